package storage

import "time"

// JobKind tags directories, tracked files and runs with the job that owns them.
type JobKind string

const (
	KindDocuments    JobKind = "documents"
	KindCertificates JobKind = "certificates"
	KindProvider     JobKind = "provider"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case KindDocuments, KindCertificates, KindProvider:
		return true
	}
	return false
}

// WorkItem is one file discovered on disk and tracked for send/validity status.
type WorkItem struct {
	Path    string     `json:"path"`
	Kind    JobKind    `json:"kind"`
	Ext     string     `json:"ext"`
	Size    int64      `json:"size"`
	ModTime time.Time  `json:"mod_time"`
	WasSent bool       `json:"was_sent"`
	IsValid bool       `json:"is_valid"`
	SentAt  *time.Time `json:"sent_at,omitempty"`
}

// Directory is a discovery root for one job kind.
type Directory struct {
	Path      string    `json:"path"`
	Kind      JobKind   `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// JobRun is the historic record of one execution of a job kind.
type JobRun struct {
	ID        string     `json:"id"`
	Kind      JobKind    `json:"kind"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	FilesSent int        `json:"files_sent"`
	Log       []string   `json:"log"`
}

// AuthSession is the cached credential. Password holds the encrypted form.
type AuthSession struct {
	Username   string    `json:"username"`
	Password   string    `json:"-"`
	Token      string    `json:"-"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Settings is the singleton configuration record editable by the operator.
type Settings struct {
	DeleteAfterSend   bool   `json:"delete_after_send"`
	IncludeSent       bool   `json:"include_sent"`
	ProviderOutputDir string `json:"provider_output_dir"`
}

// ItemFilter narrows ListItems.
type ItemFilter struct {
	Kind        JobKind
	IncludeSent bool
}
