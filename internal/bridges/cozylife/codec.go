package cozylife

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// Command codes used by the CozyLife local protocol.
const (
	CmdQuery   = 2
	CmdControl = 3
)

// frameTerminator ends every frame on the wire.
var frameTerminator = []byte("\r\n")

// DataPoints is a device's raw state: data-point key to integer value.
// Key "1" holds the packed relay bitfield on switches.
type DataPoints map[string]int

// Get returns the value for key, or def when absent.
func (d DataPoints) Get(key string, def int) int {
	if v, ok := d[key]; ok {
		return v
	}
	return def
}

// Clone returns an independent copy. A nil receiver yields an empty map.
func (d DataPoints) Clone() DataPoints {
	out := make(DataPoints, len(d))
	maps.Copy(out, d)
	return out
}

// Merge returns a copy of d with every key of changes applied on top.
func (d DataPoints) Merge(changes DataPoints) DataPoints {
	out := d.Clone()
	maps.Copy(out, changes)
	return out
}

// Frame is a decoded device frame.
type Frame struct {
	Cmd  int
	Seq  string
	Data DataPoints

	// HasData is false when the frame carried no data object at all,
	// which is distinct from an empty one.
	HasData bool

	// Result is the device's result code for control frames (0 = success).
	Result int
}

// Codec encodes requests and decodes responses for one wire format.
// Framing (one frame per CRLF-terminated line) is handled by the link.
type Codec interface {
	EncodeQuery(seq string) ([]byte, error)
	EncodeControl(seq string, changes DataPoints) ([]byte, error)
	Decode(line []byte) (Frame, error)
}

// JSONCodec is the CozyLife JSON line protocol.
//
// Query:    {"cmd":2,"pv":0,"sn":"<seq>","msg":{"attr":[0]}}
// Response: {"cmd":2,"pv":0,"sn":"<seq>","msg":{"attr":[1],"data":{"1":3}}}
// Control:  {"cmd":3,"pv":0,"sn":"<seq>","msg":{"attr":[1],"data":{"1":1}}}
type JSONCodec struct{}

var _ Codec = JSONCodec{}

type wireFrame struct {
	Cmd int     `json:"cmd"`
	PV  int     `json:"pv"`
	SN  string  `json:"sn"`
	Msg wireMsg `json:"msg"`
	Res *int    `json:"res,omitempty"`
}

type wireMsg struct {
	Attr []int                      `json:"attr,omitempty"`
	Data map[string]json.RawMessage `json:"data,omitempty"`
}

// EncodeQuery builds a request for all data points.
func (JSONCodec) EncodeQuery(seq string) ([]byte, error) {
	return encodeFrame(wireFrame{
		Cmd: CmdQuery,
		SN:  seq,
		Msg: wireMsg{Attr: []int{0}},
	})
}

// EncodeControl builds a set-state request carrying only the changed keys.
func (JSONCodec) EncodeControl(seq string, changes DataPoints) ([]byte, error) {
	if len(changes) == 0 {
		return nil, fmt.Errorf("encode control: no data points")
	}

	keys := slices.Sorted(maps.Keys(changes))
	attr := make([]int, 0, len(keys))
	data := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("encode control: data point %q is not numeric", k)
		}
		attr = append(attr, id)
		data[k] = json.RawMessage(strconv.Itoa(changes[k]))
	}

	return encodeFrame(wireFrame{
		Cmd: CmdControl,
		SN:  seq,
		Msg: wireMsg{Attr: attr, Data: data},
	})
}

func encodeFrame(f wireFrame) ([]byte, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(payload, frameTerminator...), nil
}

// Decode parses one line. Every data value must be an integer.
func (JSONCodec) Decode(line []byte) (Frame, error) {
	line = bytes.TrimSpace(line)

	var wf wireFrame
	if err := json.Unmarshal(line, &wf); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	f := Frame{
		Cmd:     wf.Cmd,
		Seq:     wf.SN,
		HasData: wf.Msg.Data != nil,
	}
	if wf.Res != nil {
		f.Result = *wf.Res
	}

	if f.HasData {
		f.Data = make(DataPoints, len(wf.Msg.Data))
		for k, raw := range wf.Msg.Data {
			v, err := strconv.Atoi(string(bytes.TrimSpace(raw)))
			if err != nil {
				return Frame{}, fmt.Errorf("%w: data point %q has non-integer value %s", ErrMalformedResponse, k, raw)
			}
			f.Data[k] = v
		}
	}

	return f, nil
}
