package metadata

import (
	"encoding/binary"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/bitbased/archengine/errs"
)

// TurtleKey is the one config-string key that never lives in the
// metadata tree itself, per original_source/src/meta/meta_table.c's
// __metadata_turtle: everything else is a row in the tree the turtle
// file merely bootstraps.
const TurtleKey = "metadata:"

const (
	turtleMagic   = 0x41455447 // "AETG"
	turtleVersion = 1
)

// Turtle is the tiny durable bootstrap record of spec.md §6: "a tiny
// 'turtle' file stores the root address of the metadata tree and is the
// only durable bootstrap." It never goes through the block manager or
// the WAL — the whole point is that it is simple enough to trust
// without the machinery it bootstraps.
type Turtle struct {
	RootAddr   uint64
	WriteGen   uint64
	ConfigText string
}

// encode serializes t as magic+version, then length-prefixed fields, and
// a trailing xxhash checksum over everything before it.
func (t Turtle) encode() []byte {
	cfg := []byte(t.ConfigText)
	buf := make([]byte, 4+4+8+8+4+len(cfg))
	binary.LittleEndian.PutUint32(buf[0:4], turtleMagic)
	binary.LittleEndian.PutUint32(buf[4:8], turtleVersion)
	binary.LittleEndian.PutUint64(buf[8:16], t.RootAddr)
	binary.LittleEndian.PutUint64(buf[16:24], t.WriteGen)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(cfg)))
	copy(buf[28:], cfg)
	sum := xxhash.Sum64(buf)
	out := make([]byte, len(buf)+8)
	copy(out, buf)
	binary.LittleEndian.PutUint64(out[len(buf):], sum)
	return out
}

func decodeTurtle(buf []byte) (Turtle, error) {
	if len(buf) < 28+8 {
		return Turtle{}, errs.New(errs.Corruption, "turtle file too short", nil)
	}
	body := buf[:len(buf)-8]
	wantSum := binary.LittleEndian.Uint64(buf[len(buf)-8:])
	if xxhash.Sum64(body) != wantSum {
		return Turtle{}, errs.New(errs.Corruption, "turtle file checksum mismatch", nil)
	}
	if binary.LittleEndian.Uint32(body[0:4]) != turtleMagic {
		return Turtle{}, errs.New(errs.Corruption, "bad turtle file magic", nil)
	}
	if binary.LittleEndian.Uint32(body[4:8]) != turtleVersion {
		return Turtle{}, errs.New(errs.Unsupported, "unsupported turtle file version", nil)
	}
	t := Turtle{
		RootAddr: binary.LittleEndian.Uint64(body[8:16]),
		WriteGen: binary.LittleEndian.Uint64(body[16:24]),
	}
	cfgLen := binary.LittleEndian.Uint32(body[24:28])
	if len(body) < 28+int(cfgLen) {
		return Turtle{}, errs.New(errs.Corruption, "turtle file truncated config text", nil)
	}
	t.ConfigText = string(body[28 : 28+cfgLen])
	return t, nil
}

// WriteTurtle durably persists t to path via write-to-temp, fsync,
// rename-into-place, so the file at path is always either the previous
// turtle or the new one.
func WriteTurtle(path string, t Turtle) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errs.Wrap(errs.Io, err, "creating turtle temp file %s", tmp)
	}
	if _, err := f.Write(t.encode()); err != nil {
		f.Close()
		return errs.Wrap(errs.Io, err, "writing turtle temp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errs.Wrap(errs.Io, err, "syncing turtle temp file")
	}
	if err := f.Close(); err != nil {
		return errs.Wrap(errs.Io, err, "closing turtle temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.Wrap(errs.Io, err, "renaming turtle file into place")
	}
	return nil
}

// ReadTurtle loads the turtle file at path. A missing file is reported
// via errs.NotFound so callers (Connection.Open) can distinguish "create
// a brand-new metadata tree" from "this file is corrupt."
func ReadTurtle(path string) (Turtle, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Turtle{}, errs.New(errs.NotFound, "no turtle file", err)
		}
		return Turtle{}, errs.Wrap(errs.Io, err, "reading turtle file %s", path)
	}
	return decodeTurtle(buf)
}
