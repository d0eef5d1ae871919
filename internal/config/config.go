// Package config loads relay configuration from an optional JSONC file and
// environment variables. Environment variables always win.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "mmrelay.jsonc"

// Config holds all settings for the relay.
type Config struct {
	// Mattermost server, e.g. https://chat.example.com.
	MattermostURL   string `json:"mattermostUrl"`
	MattermostToken string `json:"mattermostToken"`
	MattermostTeam  string `json:"mattermostTeam"`

	// LLM endpoint. Transport selects the wire dialect: "openai" for
	// /v1/chat/completions with native tool calls, "ollama" for /api/chat
	// with sentinel-embedded tool calls.
	LLMAPIURL    string `json:"llmApiUrl"`
	LLMAPIKey    string `json:"llmApiKey"`
	LLMModel     string `json:"llmModel"`
	LLMTransport string `json:"llmTransport"`

	JiraURL       string `json:"jiraUrl"`
	ConfluenceURL string `json:"confluenceUrl"`

	// MCP endpoint: either a command to spawn (stdio transport, one
	// process per user session) or a streamable HTTP URL. MCPCommand is
	// split on whitespace.
	MCPCommand string `json:"mcpCommand"`
	MCPURL     string `json:"mcpUrl"`

	DatabasePath  string `json:"databasePath"`
	EncryptionKey string `json:"encryptionKey"`

	LogLevel  string `json:"logLevel"`
	LogPretty bool   `json:"logPretty"`
}

// MissingError reports mandatory settings that were not provided.
type MissingError struct {
	Vars []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", strings.Join(e.Vars, ", "))
}

// Load builds the configuration. An mmrelay.jsonc in the working directory
// (or at MMRELAY_CONFIG) is read first, then environment variables override
// individual fields. Returns *MissingError when a mandatory field is absent.
func Load() (*Config, error) {
	cfg := &Config{
		LLMModel:     "local-model",
		LLMTransport: "ollama",
		DatabasePath: "mmrelay.db",
		LogLevel:     "INFO",
	}

	path := os.Getenv("MMRELAY_CONFIG")
	if path == "" {
		path = DefaultFile
	}
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges a JSONC config file into cfg. A missing file is not an
// error; a malformed one is.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString(&cfg.MattermostURL, "MATTERMOST_URL")
	setString(&cfg.MattermostToken, "MATTERMOST_TOKEN")
	setString(&cfg.MattermostTeam, "MATTERMOST_TEAM")
	setString(&cfg.LLMAPIURL, "LLM_API_URL")
	setString(&cfg.LLMAPIKey, "LLM_API_KEY")
	setString(&cfg.LLMModel, "LLM_MODEL")
	setString(&cfg.LLMTransport, "LLM_TRANSPORT")
	setString(&cfg.JiraURL, "JIRA_URL")
	setString(&cfg.ConfluenceURL, "CONFLUENCE_URL")
	setString(&cfg.MCPCommand, "MCP_COMMAND")
	setString(&cfg.MCPURL, "MCP_URL")
	setString(&cfg.DatabasePath, "DATABASE_PATH")
	setString(&cfg.EncryptionKey, "ENCRYPTION_KEY")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	if v := os.Getenv("LOG_PRETTY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LogPretty = b
		}
	}
}

func (c *Config) validate() error {
	var missing []string
	if c.MattermostURL == "" {
		missing = append(missing, "MATTERMOST_URL")
	}
	if c.MattermostToken == "" {
		missing = append(missing, "MATTERMOST_TOKEN")
	}
	if c.LLMAPIURL == "" {
		missing = append(missing, "LLM_API_URL")
	}
	if c.JiraURL == "" {
		missing = append(missing, "JIRA_URL")
	}
	if c.MCPCommand == "" && c.MCPURL == "" {
		missing = append(missing, "MCP_COMMAND or MCP_URL")
	}
	if len(missing) > 0 {
		return &MissingError{Vars: missing}
	}

	switch c.LLMTransport {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unknown LLM_TRANSPORT %q (want openai or ollama)", c.LLMTransport)
	}
	return nil
}

// MCPCommandArgs returns the MCP launch command split into argv form.
func (c *Config) MCPCommandArgs() []string {
	return strings.Fields(c.MCPCommand)
}
