// Package discovery implements the per-session Symbol Discovery loop (C7):
// it watches a PLC's OnlineChange counter, re-enumerates the symbol table
// whenever it moves, expands struct symbols one level into their direct
// children, and emits discovery.symbols / discovery.variables_added on the
// Event Bus. A sync/atomic CAS guard enforces "skip if running" so an
// OnlineChange that fires mid-enumeration never cancels and restarts the
// tick in progress — it is simply picked up on the next one.
package discovery

import (
	"context"
	"encoding/binary"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ocx/adsgateway/internal/adsprotocol"
	"github.com/ocx/adsgateway/internal/eventbus"
	"github.com/ocx/adsgateway/internal/plcsession"
)

// Config controls one session's Discovery loop.
type Config struct {
	PollPeriod          time.Duration
	AutoRegister        bool
	DefaultSamplePeriod time.Duration
	NameFilter          string
}

func (c Config) withDefaults() Config {
	if c.PollPeriod <= 0 {
		c.PollPeriod = 5 * time.Second
	}
	if c.DefaultSamplePeriod <= 0 {
		c.DefaultSamplePeriod = time.Second
	}
	if c.NameFilter == "" {
		c.NameFilter = "*"
	}
	return c
}

// Symbol is one entry of the PLC's symbol table, after nameFilter and
// one-level struct expansion have been applied.
type Symbol struct {
	Path        string
	IndexGroup  uint32
	IndexOffset uint32
	Size        int
	TypeName    string
	Comment     string
	Flags       uint32
}

// DerivedVariable is the Variable auto-registration derives from a newly
// discovered Symbol.
type DerivedVariable struct {
	ConnectionID    string
	Name            string
	Path            string
	Type            adsprotocol.DataType
	UseNotification bool
	SamplePeriod    time.Duration
	Topic           string
}

// SymbolsEvent is the payload of eventbus.EventDiscoverySymbols.
type SymbolsEvent struct {
	ConnectionID string
	Symbols      []Symbol
}

// VariablesAddedEvent is the payload of eventbus.EventDiscoveryVarsAdd.
type VariablesAddedEvent struct {
	ConnectionID string
	Added        []DerivedVariable
	RemovedPaths []string
}

// OnlineChangeEvent is the payload of eventbus.EventOnlineChange: the PLC's
// OnlineChange counter moved, invalidating symbol handles. It is not emitted
// for the first counter read after a watcher starts, only for changes
// observed against a known baseline.
type OnlineChangeEvent struct {
	ConnectionID string
	Counter      uint32
	Previous     uint32
}

// Watcher runs the Discovery state machine for one PLC connection.
type Watcher struct {
	connectionID string
	session      *plcsession.Session
	bus          *eventbus.Bus
	cfg          Config

	running      atomic.Bool
	lastCounter  uint32
	haveCounter  bool
	known        map[string]Symbol
}

// New constructs a Watcher for one connection's session.
func New(connectionID string, session *plcsession.Session, bus *eventbus.Bus, cfg Config) *Watcher {
	return &Watcher{
		connectionID: connectionID,
		session:      session,
		bus:          bus,
		cfg:          cfg.withDefaults(),
		known:        make(map[string]Symbol),
	}
}

// Run drives the discovery loop until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// Trigger runs one discovery tick immediately, outside the poll cadence,
// for the gateway facade's on-demand enumeration operation. It is still
// subject to the same "skip if running" guard.
func (w *Watcher) Trigger(ctx context.Context) {
	w.tick(ctx)
}

func (w *Watcher) tick(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	defer w.running.Store(false)

	counter, err := w.readOnlineChangeCounter(ctx)
	if err != nil {
		slog.Warn("discovery: read online-change counter failed", "connection", w.connectionID, "error", err)
		return
	}

	if w.haveCounter && counter == w.lastCounter {
		return
	}
	if w.haveCounter {
		w.bus.Publish(eventbus.EventOnlineChange, OnlineChangeEvent{
			ConnectionID: w.connectionID,
			Counter:      counter,
			Previous:     w.lastCounter,
		})
	}
	w.lastCounter = counter
	w.haveCounter = true

	symbols, err := w.enumerate(ctx)
	if err != nil {
		slog.Warn("discovery: enumerate symbols failed", "connection", w.connectionID, "error", err)
		return
	}

	filtered := filterByName(symbols, w.cfg.NameFilter)
	expanded := expandStructs(filtered)

	added, removed := w.diff(expanded)
	w.known = expanded

	result := make([]Symbol, 0, len(expanded))
	for _, s := range expanded {
		result = append(result, s)
	}
	w.bus.Publish(eventbus.EventDiscoverySymbols, SymbolsEvent{ConnectionID: w.connectionID, Symbols: result})

	if w.cfg.AutoRegister && (len(added) > 0 || len(removed) > 0) {
		vars := make([]DerivedVariable, 0, len(added))
		for _, s := range added {
			dt, ok := primitiveDataType(s.TypeName)
			if !ok {
				continue
			}
			vars = append(vars, DerivedVariable{
				ConnectionID:    w.connectionID,
				Name:            s.Path,
				Path:            s.Path,
				Type:            dt,
				UseNotification: true,
				SamplePeriod:    w.cfg.DefaultSamplePeriod,
				Topic:           "variables/" + w.connectionID + ":" + s.Path + "/value",
			})
		}
		removedPaths := make([]string, 0, len(removed))
		for _, s := range removed {
			removedPaths = append(removedPaths, s.Path)
		}
		w.bus.Publish(eventbus.EventDiscoveryVarsAdd, VariablesAddedEvent{
			ConnectionID: w.connectionID,
			Added:        vars,
			RemovedPaths: removedPaths,
		})
	}
}

func (w *Watcher) diff(next map[string]Symbol) (added, removed []Symbol) {
	for path, s := range next {
		if _, ok := w.known[path]; !ok {
			added = append(added, s)
		}
	}
	for path, s := range w.known {
		if _, ok := next[path]; !ok {
			removed = append(removed, s)
		}
	}
	return added, removed
}

// readOnlineChangeCounter reads the 32-bit little-endian OnlineChange
// counter at the start of the PLC's info block.
func (w *Watcher) readOnlineChangeCounter(ctx context.Context) (uint32, error) {
	data, err := w.session.ReadRaw(ctx, adsprotocol.IndexGroupSymbolUploadInfo2, 0, 4)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, nil
	}
	return binary.LittleEndian.Uint32(data), nil
}

// enumerate reads the symbol upload info block for the total entry-table
// length, then reads and parses the entry table itself.
func (w *Watcher) enumerate(ctx context.Context) ([]Symbol, error) {
	info, err := w.session.ReadRaw(ctx, adsprotocol.IndexGroupSymbolUploadInfo2, 0, 48)
	if err != nil {
		return nil, err
	}
	if len(info) < 12 {
		return nil, nil
	}
	tableLength := binary.LittleEndian.Uint32(info[8:12])
	if tableLength == 0 {
		return nil, nil
	}

	raw, err := w.session.ReadRaw(ctx, adsprotocol.IndexGroupSymbolDownloadInfo, 0, tableLength)
	if err != nil {
		return nil, err
	}
	return parseSymbolEntries(raw), nil
}

// parseSymbolEntries decodes the Beckhoff ADS symbol-upload binary format:
// a packed sequence of variable-length entries, each starting with its own
// total length so a short or malformed trailing entry simply ends the scan.
func parseSymbolEntries(data []byte) []Symbol {
	var symbols []Symbol
	offset := 0
	for offset+30 <= len(data) {
		entryLength := binary.LittleEndian.Uint32(data[offset:])
		if entryLength < 30 || offset+int(entryLength) > len(data) {
			break
		}
		entry := data[offset : offset+int(entryLength)]

		indexGroup := binary.LittleEndian.Uint32(entry[4:])
		indexOffset := binary.LittleEndian.Uint32(entry[8:])
		size := binary.LittleEndian.Uint32(entry[12:])
		flags := binary.LittleEndian.Uint32(entry[20:])
		nameLen := int(binary.LittleEndian.Uint16(entry[24:]))
		typeLen := int(binary.LittleEndian.Uint16(entry[26:]))
		commentLen := int(binary.LittleEndian.Uint16(entry[28:]))

		pos := 30
		name := readCString(entry, pos, nameLen)
		pos += nameLen + 1
		typeName := readCString(entry, pos, typeLen)
		pos += typeLen + 1
		comment := readCString(entry, pos, commentLen)

		symbols = append(symbols, Symbol{
			Path:        name,
			IndexGroup:  indexGroup,
			IndexOffset: indexOffset,
			Size:        int(size),
			TypeName:    typeName,
			Comment:     comment,
			Flags:       flags,
		})

		offset += int(entryLength)
	}
	return symbols
}

func readCString(buf []byte, start, length int) string {
	if start < 0 || start+length > len(buf) {
		return ""
	}
	return string(buf[start : start+length])
}

func filterByName(symbols []Symbol, pattern string) []Symbol {
	if pattern == "" || pattern == "*" {
		return symbols
	}
	out := make([]Symbol, 0, len(symbols))
	for _, s := range symbols {
		if ok, _ := filepath.Match(pattern, s.Path); ok {
			out = append(out, s)
		}
	}
	return out
}

var primitiveTypeNames = map[string]bool{
	"BOOL": true, "BYTE": true, "WORD": true, "DWORD": true,
	"INT": true, "DINT": true, "REAL": true, "LREAL": true, "STRING": true,
}

func isPrimitive(typeName string) bool {
	base := typeName
	if idx := strings.Index(base, "("); idx >= 0 {
		base = base[:idx]
	}
	return primitiveTypeNames[strings.ToUpper(base)]
}

func primitiveDataType(typeName string) (adsprotocol.DataType, bool) {
	base := strings.ToUpper(typeName)
	if idx := strings.Index(base, "("); idx >= 0 {
		base = base[:idx]
	}
	switch adsprotocol.DataType(base) {
	case adsprotocol.TypeBool, adsprotocol.TypeByte, adsprotocol.TypeWord, adsprotocol.TypeDWord,
		adsprotocol.TypeInt, adsprotocol.TypeDInt, adsprotocol.TypeReal, adsprotocol.TypeLReal, adsprotocol.TypeString:
		return adsprotocol.DataType(base), true
	default:
		return "", false
	}
}

// expandStructs walks every non-primitive symbol and folds in its direct
// children (path == parent + "." + field, with field containing no further
// dot), recursing one additional level for children that are themselves
// structs-of-structs, recursing one level at most. A symbol whose parent
// path is also in the set is reached only through that expansion, so paths
// deeper than a top-level symbol's grandchildren are dropped.
func expandStructs(symbols []Symbol) map[string]Symbol {
	byPath := make(map[string]Symbol, len(symbols))
	for _, s := range symbols {
		byPath[s.Path] = s
	}

	result := make(map[string]Symbol, len(symbols))
	for _, s := range symbols {
		if i := strings.LastIndex(s.Path, "."); i >= 0 {
			if _, hasParent := byPath[s.Path[:i]]; hasParent {
				continue
			}
		}
		if isPrimitive(s.TypeName) {
			result[s.Path] = s
			continue
		}
		result[s.Path] = s
		for _, child := range directChildren(s.Path, symbols) {
			result[child.Path] = child
			if !isPrimitive(child.TypeName) {
				for _, grandchild := range directChildren(child.Path, symbols) {
					result[grandchild.Path] = grandchild
				}
			}
		}
	}
	return result
}

func directChildren(parentPath string, all []Symbol) []Symbol {
	prefix := parentPath + "."
	var out []Symbol
	for _, s := range all {
		if !strings.HasPrefix(s.Path, prefix) {
			continue
		}
		rest := s.Path[len(prefix):]
		if strings.Contains(rest, ".") {
			continue
		}
		out = append(out, s)
	}
	return out
}
