package event

// ReplyReadyData is the payload for reply.ready events.
type ReplyReadyData struct {
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
	Text      string `json:"text"`
}

// IngestDisconnectedData is the payload for ingest.disconnected events.
type IngestDisconnectedData struct {
	Reason string `json:"reason"`
}

// CredentialsSavedData is the payload for credentials.saved events.
type CredentialsSavedData struct {
	UserID string `json:"userId"`
}
