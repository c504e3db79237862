package rule

// Action is a named traffic disposition. Command holds the flowspec "then"
// clause, e.g. "discard" or "rate-limit 10000".
type Action struct {
	ID          int64  `gorm:"primaryKey" json:"id" yaml:"id"`
	Name        string `gorm:"size:120;uniqueIndex" json:"name" yaml:"name"`
	Command     string `gorm:"size:120" json:"command" yaml:"command"`
	Description string `gorm:"size:260" json:"description,omitempty" yaml:"description"`
}

func (*Action) TableName() string { return "action" }

// Community is the set of BGP communities attached to an RTBH route.
type Community struct {
	ID          int64  `gorm:"primaryKey" json:"id" yaml:"id"`
	Name        string `gorm:"size:120;uniqueIndex" json:"name" yaml:"name"`
	Comm        string `gorm:"size:2047" json:"comm,omitempty" yaml:"comm"`
	LargeComm   string `gorm:"column:larcomm;size:2047" json:"larcomm,omitempty" yaml:"larcomm"`
	ExtComm     string `gorm:"column:extcomm;size:2047" json:"extcomm,omitempty" yaml:"extcomm"`
	Description string `gorm:"size:260" json:"description,omitempty" yaml:"description"`
}

func (*Community) TableName() string { return "community" }
