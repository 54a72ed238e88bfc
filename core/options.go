package core

import (
	"fmt"
	"strings"
)

// Options are the construction-time, comma-separated configuration
// knobs a mount accepts. They are parsed once and never mutated
// afterwards.
type Options struct {
	// Debug enables verbose tracing of every request and reply.
	Debug bool
	// HardRemove disables hide-on-busy-unlink; unlinks are unconditional.
	HardRemove bool
	// UseIno is parsed but not consulted by the dispatcher: replies
	// always carry the inode numbers the user's GetAttr/ReadDir supplied,
	// whether or not it is set; they are never overridden with the
	// synthesized node id.
	UseIno bool
	// AllowRoot restricts access to the filesystem owner and root.
	AllowRoot bool
	// ReaddirIno populates inode numbers in readdir entries by
	// consulting the node table when the user callback did not supply
	// one.
	ReaddirIno bool
}

// ParseOptions splits a comma-separated option string into an Options
// value, mount(8)-style. Unknown tokens are rejected rather than
// silently ignored, since a typo'd option name is otherwise
// indistinguishable from one that just has no effect.
func ParseOptions(s string) (*Options, error) {
	opts := &Options{}
	if s == "" {
		return opts, nil
	}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		switch tok {
		case "":
			continue
		case "debug":
			opts.Debug = true
		case "hard_remove":
			opts.HardRemove = true
		case "use_ino":
			opts.UseIno = true
		case "allow_root":
			opts.AllowRoot = true
		case "readdir_ino":
			opts.ReaddirIno = true
		default:
			return nil, fmt.Errorf("fusecore: unknown mount option %q", tok)
		}
	}
	return opts, nil
}
