package types

// ProgressMessage is broadcast to websocket clients while a run is active.
type ProgressMessage struct {
	Type     string  `json:"type"`
	RunID    string  `json:"run_id"`
	Phase    string  `json:"phase"`
	Progress float64 `json:"progress"`
}

// PreviewMessage announces that a new preview raster is available at /preview.png.
type PreviewMessage struct {
	Type   string `json:"type"`
	RunID  string `json:"run_id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Final  bool   `json:"final"`
}

// ResultMessage is sent once when a run ends.
type ResultMessage struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Samples   int    `json:"samples"`
	Truncated bool   `json:"truncated"`
}
