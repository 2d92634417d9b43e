package protocol

// StreamFrame describes one captured video frame on the frames stream.
// FramePath points at the image file relative to the deployment root;
// SHA256 is the lowercase hex digest of the file contents.
type StreamFrame struct {
	SchemaName    string `json:"schema_name" validate:"required,eq=StreamFrame"`
	SchemaVersion string `json:"schema_version" validate:"required"`
	ID            string `json:"id" validate:"required"`
	TS            string `json:"ts" validate:"required"`
	RoomID        string `json:"room_id" validate:"required"`
	FramePath     string `json:"frame_path" validate:"required"`
	SHA256        string `json:"sha256" validate:"required,len=64,hexadecimal"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	Format        string `json:"format,omitempty"`
	Seq           int64  `json:"seq,omitempty"`
	CaptureMS     int64  `json:"capture_ms,omitempty"`
}

// StreamTranscriptSegment is one span of speech-to-text output on the
// transcripts stream. StartMS/EndMS are offsets in milliseconds.
type StreamTranscriptSegment struct {
	SchemaName    string   `json:"schema_name" validate:"required,eq=StreamTranscriptSegment"`
	SchemaVersion string   `json:"schema_version" validate:"required"`
	ID            string   `json:"id" validate:"required"`
	TS            string   `json:"ts" validate:"required"`
	RoomID        string   `json:"room_id" validate:"required"`
	StartMS       int64    `json:"start_ms" validate:"gte=0"`
	EndMS         int64    `json:"end_ms" validate:"gte=0"`
	Text          string   `json:"text" validate:"required"`
	Confidence    *float64 `json:"confidence,omitempty"`
}

// SafetyFlags is the closed set of content flags an observation carries.
type SafetyFlags struct {
	SexualContent bool `json:"sexual_content"`
	Violence      bool `json:"violence"`
	SelfHarm      bool `json:"self_harm"`
	Hate          bool `json:"hate"`
	Harassment    bool `json:"harassment"`
}

// ObservationTrace records which model produced an observation and the
// identity of the prompt it was rendered from.
type ObservationTrace struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	LatencyMS    int64  `json:"latency_ms"`
	PromptID     string `json:"prompt_id"`
	PromptSHA256 string `json:"prompt_sha256"`
}

// StreamObservation is the perceiver's summary of one frame joined with the
// transcripts around it. TranscriptIDs preserve the join order.
type StreamObservation struct {
	SchemaName    string           `json:"schema_name" validate:"required,eq=StreamObservation"`
	SchemaVersion string           `json:"schema_version" validate:"required"`
	ID            string           `json:"id" validate:"required"`
	TS            string           `json:"ts" validate:"required"`
	RoomID        string           `json:"room_id" validate:"required"`
	FrameID       string           `json:"frame_id" validate:"required"`
	FrameSHA256   string           `json:"frame_sha256" validate:"required"`
	TranscriptIDs []string         `json:"transcript_ids"`
	Summary       string           `json:"summary"`
	Tags          []string         `json:"tags"`
	Entities      []string         `json:"entities"`
	HypeLevel     float64          `json:"hype_level" validate:"gte=0,lte=1"`
	Safety        SafetyFlags      `json:"safety"`
	Trace         ObservationTrace `json:"trace"`
}
