package fuse

import (
	"fmt"
	"strings"
)

// Options holds the library-recognized mount options. Anything else passed
// on the options string is reported and ignored, matching the source
// library's tolerant parsing.
type Options struct {
	// Debug enables verbose tracing of every request and reply.
	Debug bool

	// HardRemove skips the hidden-file dance on unlink-while-open: the
	// backing file is removed immediately even while a handle is open.
	HardRemove bool

	// UseIno trusts the user-supplied Attr.Ino rather than substituting
	// the node's nodeid into reply attributes.
	UseIno bool

	// AllowRoot restricts access to the filesystem owner and root, per
	// the gate described for the dispatcher.
	AllowRoot bool

	// ReaddirIno best-effort populates readdir entry inode numbers from
	// the node directory when the user's fill callback did not supply one.
	ReaddirIno bool
}

// ParseOptions parses a comma-separated option list of the form accepted by
// the library's command line and mount(8) conventions. Unrecognized tokens
// are logged via the package Logger and otherwise ignored; they are not an
// error, matching the source behavior.
func ParseOptions(csv string) *Options {
	o := &Options{}
	if csv == "" {
		return o
	}
	for _, tok := range strings.Split(csv, ",") {
		tok = strings.TrimSpace(tok)
		switch tok {
		case "":
			continue
		case "debug":
			o.Debug = true
		case "hard_remove":
			o.HardRemove = true
		case "use_ino":
			o.UseIno = true
		case "allow_root":
			o.AllowRoot = true
		case "readdir_ino":
			o.ReaddirIno = true
		default:
			Log.Printf("fuse: unknown option %q ignored", tok)
		}
	}
	return o
}

func (o *Options) String() string {
	var parts []string
	if o.Debug {
		parts = append(parts, "debug")
	}
	if o.HardRemove {
		parts = append(parts, "hard_remove")
	}
	if o.UseIno {
		parts = append(parts, "use_ino")
	}
	if o.AllowRoot {
		parts = append(parts, "allow_root")
	}
	if o.ReaddirIno {
		parts = append(parts, "readdir_ino")
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, ","))
}
