package core

// Context carries the per-request identity the dispatcher establishes
// for every request: the caller's uid/gid/pid, plus the opaque
// user-data pointer threaded through from server construction.
type Context struct {
	Uid  uint32
	Gid  uint32
	Pid  uint32
	Data interface{}
}
