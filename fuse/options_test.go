package fuse

import "testing"

func TestParseOptionsRecognized(t *testing.T) {
	o := ParseOptions("debug,hard_remove,use_ino,allow_root,readdir_ino")
	if !o.Debug || !o.HardRemove || !o.UseIno || !o.AllowRoot || !o.ReaddirIno {
		t.Fatalf("expected all options set: %+v", o)
	}
}

func TestParseOptionsUnknownIgnored(t *testing.T) {
	o := ParseOptions("debug,bogus_option")
	if !o.Debug {
		t.Fatal("expected debug to still be set")
	}
}

func TestParseOptionsEmpty(t *testing.T) {
	o := ParseOptions("")
	if o.Debug || o.HardRemove || o.UseIno || o.AllowRoot || o.ReaddirIno {
		t.Fatalf("expected no options set for empty string: %+v", o)
	}
}
