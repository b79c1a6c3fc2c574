package bridge

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Dictionary is the supervisor's self-description. Command and response
// keys are format strings such as "actuator_enable id=%u"; the first word
// is the message name.
type Dictionary struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]any            `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`

	commandIDs    map[string]uint16
	responseIDs   map[string]uint16
	responseNames map[uint16]string
}

// ParseDictionary decodes raw identify data, inflating it first when it
// is zlib compressed
func ParseDictionary(raw []byte) (*Dictionary, error) {
	data := raw
	if len(raw) >= 2 && raw[0] == 0x78 {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed dictionary: %w", err)
		}
		defer zr.Close()
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to inflate dictionary: %w", err)
		}
	}

	d := &Dictionary{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dictionary: %w", err)
	}
	d.index()
	return d, nil
}

func (d *Dictionary) index() {
	d.commandIDs = make(map[string]uint16, len(d.Commands))
	for format, id := range d.Commands {
		d.commandIDs[messageName(format)] = uint16(id)
	}
	d.responseIDs = make(map[string]uint16, len(d.Responses))
	d.responseNames = make(map[uint16]string, len(d.Responses))
	for format, id := range d.Responses {
		name := messageName(format)
		d.responseIDs[name] = uint16(id)
		d.responseNames[uint16(id)] = name
	}
}

func messageName(format string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(format), " ")
	return name
}

// CommandID looks up a command by name
func (d *Dictionary) CommandID(name string) (uint16, bool) {
	id, ok := d.commandIDs[name]
	return id, ok
}

// ResponseID looks up a response by name
func (d *Dictionary) ResponseID(name string) (uint16, bool) {
	id, ok := d.responseIDs[name]
	return id, ok
}

// ResponseName returns the name of response id, or "" if unknown
func (d *Dictionary) ResponseName(id uint16) string {
	return d.responseNames[id]
}

// Require checks that every named command and response is present
func (d *Dictionary) Require(commands, responses []string) error {
	var missing []string
	for _, c := range commands {
		if _, ok := d.commandIDs[c]; !ok {
			missing = append(missing, "command "+c)
		}
	}
	for _, r := range responses {
		if _, ok := d.responseIDs[r]; !ok {
			missing = append(missing, "response "+r)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("supervisor dictionary lacks %s", strings.Join(missing, ", "))
	}
	return nil
}

// CommandNames returns the sorted command names
func (d *Dictionary) CommandNames() []string {
	names := make([]string, 0, len(d.commandIDs))
	for n := range d.commandIDs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
