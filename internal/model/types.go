package model

// Job is one prompt submission. Sequence is the 0-based position in the queue.
type Job struct {
	Prompt   string `json:"prompt"`
	Sequence int    `json:"sequence"`
}

// RunSettings is the throttle the driver must respect between submissions.
type RunSettings struct {
	DelayMs int `json:"delayMs"`
}

type ProgressCounter struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

func (p ProgressCounter) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	return (p.Current*100 + p.Total/2) / p.Total
}

// Artifact is one generated output ready for persistence. SourceURL may be a
// remote URL or a data: URL.
type Artifact struct {
	SourceURL     string `json:"url"`
	SuggestedName string `json:"filename,omitempty"`
}

// PersistedSession is the control surface state stored under SessionKey.
type PersistedSession struct {
	Prompts    string `json:"prompts"`
	Delay      int    `json:"delay"`
	Repeat     int    `json:"repeat"`
	Generated  int    `json:"generated"`
	Downloaded int    `json:"downloaded"`
}

const (
	SessionKey    = "flowAutoState"
	DefaultDelay  = 20
	DefaultRepeat = 1
)

// Normalized applies the defaults used when a field is absent or invalid.
func (s PersistedSession) Normalized() PersistedSession {
	out := s
	if out.Delay <= 0 {
		out.Delay = DefaultDelay
	}
	if out.Repeat <= 0 {
		out.Repeat = DefaultRepeat
	}
	if out.Generated < 0 {
		out.Generated = 0
	}
	if out.Downloaded < 0 {
		out.Downloaded = 0
	}
	return out
}

// Settings converts the user-facing delay (seconds) into run settings.
func (s PersistedSession) Settings() RunSettings {
	return RunSettings{DelayMs: s.Normalized().Delay * 1000}
}

// Surface is an addressable page the driver can live in.
type Surface struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type ConnectionStatus string

const (
	ConnConnected        ConnectionStatus = "connected"
	ConnDisconnected     ConnectionStatus = "disconnected"
	ConnNotTargetSurface ConnectionStatus = "not-target-surface"
	ConnError            ConnectionStatus = "error"
)
