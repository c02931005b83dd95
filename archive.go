package auditledger

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Archive member names, relative to the snapshot id directory.
const (
	memberMetadata = "metadata.json"
	memberLedger   = "ledger_slice.json"
	memberSystem   = "system_state.json"
	memberDump     = "store_dump.json"
	memberCustody  = "chain_of_custody.json"
	memberFiles    = "files/"
)

type bundleFile struct {
	name   string
	source string
	data   []byte
}

// bundle is the in-memory form of one snapshot archive.
type bundle struct {
	metadata  map[string]any
	ledger    []LogEntry
	hasLedger bool
	system    map[string]any
	storeDump map[string][]map[string]any
	files     []bundleFile
	custody   []CustodyRecord
}

// sliceInfo records the bounds of the ledger slice; entries committed after
// the upper bound are not in the snapshot.
func (b *bundle) sliceInfo() map[string]any {
	if !b.hasLedger {
		return nil
	}
	info := map[string]any{"slice_count": len(b.ledger), "slice_upper_id": 0}
	if n := len(b.ledger); n > 0 {
		info["slice_lower_id"] = b.ledger[0].ID
		info["slice_upper_id"] = b.ledger[n-1].ID
		info["slice_upper_timestamp"] = b.ledger[n-1].Timestamp.Format(TimestampFormat)
	}
	return info
}

func (b *bundle) summary() map[string]any {
	s := map[string]any{}
	if b.hasLedger {
		s["ledger_entries"] = len(b.ledger)
	}
	if b.system != nil {
		s["system_state"] = true
	}
	if b.storeDump != nil {
		tables := make([]any, 0, len(b.storeDump))
		for t := range b.storeDump {
			tables = append(tables, t)
		}
		sort.Slice(tables, func(i, j int) bool { return tables[i].(string) < tables[j].(string) })
		s["tables"] = tables
	}
	if len(b.files) > 0 {
		files := make([]any, len(b.files))
		for i, f := range b.files {
			files[i] = f.source
		}
		s["files"] = files
	}
	return s
}

func marshalMember(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// pack renders the bundle as a gzip-compressed tar. Member order, mode,
// owner and mtime are fixed, so equal bundles give equal bytes.
func (b *bundle) pack(id string, mtime time.Time) ([]byte, error) {
	members := map[string]any{
		memberMetadata: b.metadata,
		memberCustody:  b.custody,
	}
	if b.hasLedger {
		ledger := b.ledger
		if ledger == nil {
			ledger = []LogEntry{}
		}
		members[memberLedger] = ledger
	}
	if b.system != nil {
		members[memberSystem] = b.system
	}
	if b.storeDump != nil {
		members[memberDump] = b.storeDump
	}
	raw := make(map[string][]byte, len(members)+len(b.files))
	for name, v := range members {
		data, err := marshalMember(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		raw[name] = data
	}
	for _, f := range b.files {
		raw[memberFiles+f.name] = f.data
	}
	names := make([]string, 0, len(raw))
	for n := range raw {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(zw)
	mtime = mtime.UTC().Truncate(time.Second)
	for _, n := range names {
		data := raw[n]
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     path.Join(id, n),
			Mode:     0o600,
			Size:     int64(len(data)),
			ModTime:  mtime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("tar header %s: %w", n, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("tar write %s: %w", n, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMember(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// unpack parses an archive produced by pack.
func unpack(archive []byte) (*bundle, error) {
	zr, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	b := &bundle{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		_, name, ok := strings.Cut(hdr.Name, "/")
		if !ok {
			return nil, fmt.Errorf("unexpected member %q", hdr.Name)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		switch {
		case name == memberMetadata:
			err = decodeMember(data, &b.metadata)
		case name == memberLedger:
			b.hasLedger = true
			err = decodeMember(data, &b.ledger)
		case name == memberSystem:
			err = decodeMember(data, &b.system)
		case name == memberDump:
			err = decodeMember(data, &b.storeDump)
		case name == memberCustody:
			err = decodeMember(data, &b.custody)
		case strings.HasPrefix(name, memberFiles):
			b.files = append(b.files, bundleFile{name: strings.TrimPrefix(name, memberFiles), data: data})
		default:
			err = fmt.Errorf("unexpected member %q", hdr.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return b, nil
}

// ArchiveContents is the parsed form of a snapshot archive.
type ArchiveContents struct {
	Metadata       map[string]any              `json:"metadata"`
	Ledger         []LogEntry                  `json:"ledger_slice,omitempty"`
	SystemState    map[string]any              `json:"system_state,omitempty"`
	StoreDump      map[string][]map[string]any `json:"store_dump,omitempty"`
	Files          map[string][]byte           `json:"files,omitempty"`
	ChainOfCustody []CustodyRecord             `json:"chain_of_custody"`
}

// ReadArchive parses snapshot archive bytes.
func ReadArchive(r io.Reader) (ArchiveContents, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ArchiveContents{}, err
	}
	b, err := unpack(data)
	if err != nil {
		return ArchiveContents{}, err
	}
	out := ArchiveContents{
		Metadata:       b.metadata,
		Ledger:         b.ledger,
		SystemState:    b.system,
		StoreDump:      b.storeDump,
		ChainOfCustody: b.custody,
	}
	if len(b.files) > 0 {
		out.Files = make(map[string][]byte, len(b.files))
		for _, f := range b.files {
			out.Files[f.name] = f.data
		}
	}
	return out, nil
}
