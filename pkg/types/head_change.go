package types

// HeadChangeTopic is the pubsub topic head changes are published on.
const HeadChangeTopic = "headchange"

// Head change kinds.
const (
	HCRevert  = "revert"
	HCApply   = "apply"
	HCCurrent = "current"
)

// HeadChange is one step of a head transition. A transition is published as
// the ordered reverts (old tip first) followed by the ordered applies (oldest
// first).
type HeadChange struct {
	Type string
	Val  *BlockRecord
}
