package structs

type GuildMemberFlag = int

const (
	GuildMemberFlagDidRejoin       GuildMemberFlag = 1 << 0
	GuildMemberCompletedOnboarding GuildMemberFlag = 1 << 1
	GuildMemberIsGuest             GuildMemberFlag = 1 << 4
)

type Member struct {
	User     *User           `json:"user,omitempty"`
	Nick     string          `json:"nick,omitempty"`
	Roles    []string        `json:"roles"`
	JoinedAt string          `json:"joined_at,omitempty"`
	Deaf     bool            `json:"deaf"`
	Mute     bool            `json:"mute"`
	Flags    GuildMemberFlag `json:"flags"`
	Pending  bool            `json:"pending,omitempty"`
}
