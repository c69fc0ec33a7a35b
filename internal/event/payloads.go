package event

// Typed payloads for the built-in categories. Producers are free to use
// New with any JSON-marshalable value; these cover the common shapes.

type NetworkPayload struct {
	RequestID    string            `json:"requestId"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	StatusCode   int               `json:"statusCode,omitempty"`
	DurationMs   int64             `json:"durationMs,omitempty"`
	RequestSize  int64             `json:"requestSize,omitempty"`
	ResponseSize int64             `json:"responseSize,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Error        string            `json:"error,omitempty"`
	Mocked       bool              `json:"mocked,omitempty"`
}

type SocketPayload struct {
	ConnectionID string `json:"connectionId"`
	URL          string `json:"url,omitempty"`
	Direction    string `json:"direction"` // "send" or "receive"
	Opcode       string `json:"opcode,omitempty"`
	Size         int    `json:"size"`
	Preview      string `json:"preview,omitempty"`
}

type LogPayload struct {
	Level     string `json:"level"`
	Subsystem string `json:"subsystem,omitempty"`
	Category  string `json:"category,omitempty"`
	Message   string `json:"message"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
}

type StatsPayload struct {
	Name  string            `json:"name"`
	Value float64           `json:"value"`
	Unit  string            `json:"unit,omitempty"`
	Tags  map[string]string `json:"tags,omitempty"`
}

type PerformancePayload struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemoryMB   float64 `json:"memoryMb"`
	FPS        float64 `json:"fps,omitempty"`
	Jank       bool    `json:"jank,omitempty"`
	Goroutines int     `json:"goroutines,omitempty"`
	GCPauseMs  float64 `json:"gcPauseMs,omitempty"`
}

// NewNetwork creates a network category event.
func NewNetwork(p NetworkPayload) (Event, error) { return New(CategoryNetwork, p) }

// NewSocket creates a socket category event.
func NewSocket(p SocketPayload) (Event, error) { return New(CategorySocket, p) }

// NewLog creates a log category event.
func NewLog(p LogPayload) (Event, error) { return New(CategoryLog, p) }

// NewStats creates a stats category event.
func NewStats(p StatsPayload) (Event, error) { return New(CategoryStats, p) }

// NewPerformance creates a performance category event.
func NewPerformance(p PerformancePayload) (Event, error) { return New(CategoryPerformance, p) }

// NewCustom builds a custom event from any JSON-encodable payload.
func NewCustom(payload interface{}) (Event, error) { return New(CategoryCustom, payload) }
