// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package nrpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/creachadair/nrpc/internal/wire"
)

const (
	// Version is the protocol version written in packet headers.
	Version byte = 0

	// MaxPayloadLen is the largest packet payload a peer will accept.
	MaxPayloadLen = 10 << 20

	// MaxMethodLen is the longest method name a request may carry.
	MaxMethodLen = 255

	headerLen = 8 // 2 magic, 1 version, 1 type, 4 length
)

// Packet is the parsed format of a packet.
type Packet struct {
	Protocol byte
	Type     PacketType
	Payload  []byte
}

// Encode encodes p in binary format.
func (p Packet) Encode() []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(p.Payload))
	if _, err := p.WriteTo(&buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	buf := [headerLen]byte{'N', 'R', p.Protocol, byte(p.Type)}
	binary.BigEndian.PutUint32(buf[4:], uint32(len(p.Payload)))
	nw, err := w.Write(buf[:])
	if err == nil && len(p.Payload) != 0 {
		var np int
		np, err = w.Write(p.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
// Payloads longer than [MaxPayloadLen] are rejected without being read.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var buf [headerLen]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}
	if m := string(buf[:2]); m != "NR" {
		return int64(nr), fmt.Errorf("invalid protocol magic %q", m)
	}
	p.Protocol = buf[2]
	p.Type = PacketType(buf[3])
	p.Payload = nil

	psize := binary.BigEndian.Uint32(buf[4:])
	if psize > MaxPayloadLen {
		return int64(nr), fmt.Errorf("payload too long (%d > %d bytes)", psize, MaxPayloadLen)
	} else if psize > 0 {
		p.Payload = make([]byte, int(psize))
		var np int
		np, err = io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short payload: %w", err)
		}
	}
	return int64(nr), err
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay string
	switch p.Type {
	case PacketRequest:
		var req Request
		if err := req.Decode(p.Payload); err == nil {
			pay = req.String()
		}
	case PacketCancel:
		var can Cancel
		if err := can.Decode(p.Payload); err == nil {
			pay = can.String()
		}
	case PacketResponse:
		var rsp Response
		if err := rsp.Decode(p.Payload); err == nil {
			pay = rsp.String()
		}
	}
	if pay == "" {
		pay = fmt.Sprint(p.Payload)
	}
	return fmt.Sprintf("Packet(NR%v, %v, %s)", p.Protocol, p.Type, pay)
}

// PacketType describes the structure type of a packet.
type PacketType byte

const (
	PacketRequest  PacketType = 2 // The initial request for a call
	PacketCancel   PacketType = 3 // A cancellation signal for a pending call
	PacketResponse PacketType = 4 // The final response from a call
)

func (p PacketType) String() string {
	switch p {
	case PacketRequest:
		return "REQUEST"
	case PacketCancel:
		return "CANCEL"
	case PacketResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}

// Request is the payload format for a request packet.
type Request struct {
	RequestID uint32
	Method    string // the full method name, "service.name"
	Data      []byte // the encoded arguments
}

// Encode encodes the request data in binary format.
func (r Request) Encode() []byte {
	var b wire.Builder
	b.Grow(4 + wire.VLen(len(r.Method)) + len(r.Data))
	b.Uint32(r.RequestID)
	b.String(r.Method)
	b.Raw(r.Data)
	return b.Bytes()
}

// Decode decodes data into a request payload.
func (r *Request) Decode(data []byte) error {
	s := wire.NewScanner(data)
	id, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("short request payload: %w", err)
	}
	name, err := s.String()
	if err != nil {
		return fmt.Errorf("invalid method name: %w", err)
	} else if len(name) > MaxMethodLen {
		return fmt.Errorf("method name too long (%d > %d bytes)", len(name), MaxMethodLen)
	}
	r.RequestID = id
	r.Method = name
	r.Data = s.Rest()
	return nil
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(ID=%v, Method=%q, Data=%s)", r.RequestID, r.Method, abbrev(r.Data))
}

// Response is the payload format for a response packet.
type Response struct {
	RequestID uint32
	Code      ResultCode
	Data      []byte
}

// Encode encodes the response data in binary format.
func (r Response) Encode() []byte {
	var b wire.Builder
	b.Grow(5 + len(r.Data))
	b.Uint32(r.RequestID)
	b.Byte(byte(r.Code))
	b.Raw(r.Data)
	return b.Bytes()
}

// Decode decodes data into a response payload.
func (r *Response) Decode(data []byte) error {
	s := wire.NewScanner(data)
	id, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("short response payload: %w", err)
	}
	code, err := s.Byte()
	if err != nil {
		return fmt.Errorf("short response payload: %w", err)
	} else if ResultCode(code) > CodeServiceError {
		return fmt.Errorf("invalid result code %d", code)
	}
	r.RequestID = id
	r.Code = ResultCode(code)
	r.Data = s.Rest()
	return nil
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	var data string
	if r.Code == CodeServiceError {
		var ed ErrorData
		if ed.Decode(r.Data) == nil {
			data = fmt.Sprintf("ErrorData(Code=%d, [%d bytes], %q)", ed.Code, len(ed.Data), ed.Message)
		}
	}
	if data == "" {
		data = "Data=" + abbrev(r.Data)
	}
	return fmt.Sprintf("Response(ID=%v, Code=%v, %s)", r.RequestID, r.Code, data)
}

func abbrev(data []byte) string {
	if len(data) > 16 {
		return fmt.Sprintf("%q ...", data[:16])
	}
	return fmt.Sprintf("%q", data)
}

// ResultCode describes the result status of a completed call.
type ResultCode byte

const (
	CodeSuccess       ResultCode = 0 // Call completed successfully
	CodeUnknownMethod ResultCode = 1 // Requested an unknown method
	CodeDuplicateID   ResultCode = 2 // Duplicate request ID
	CodeCanceled      ResultCode = 3 // Call was canceled
	CodeServiceError  ResultCode = 4 // Call failed due to a service error
)

func (c ResultCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeUnknownMethod:
		return "UNKNOWN_METHOD"
	case CodeDuplicateID:
		return "DUPLICATE_REQUEST_ID"
	case CodeCanceled:
		return "CANCELED"
	case CodeServiceError:
		return "SERVICE_ERROR"
	default:
		return fmt.Sprintf("result code %d", byte(c))
	}
}

// Cancel is the payload format for a cancel request packet.
type Cancel struct {
	RequestID uint32
}

// Encode encodes the cancel request data in binary format.
func (c Cancel) Encode() []byte { return binary.BigEndian.AppendUint32(nil, c.RequestID) }

// Decode decodes data into a cancel payload.
func (c *Cancel) Decode(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("invalid cancel payload (%d bytes)", len(data))
	}
	c.RequestID = binary.BigEndian.Uint32(data)
	return nil
}

// String returns a human-friendly rendering of the cancellation.
func (c Cancel) String() string { return fmt.Sprintf("Cancel(ID=%v)", c.RequestID) }

// MaxErrorMessageLen is the longest error message an [ErrorData] carries.
// Longer messages are truncated when encoded.
const MaxErrorMessageLen = 65535

// ErrorData is the response data format for a service error response.
type ErrorData struct {
	Code    uint16
	Message string
	Data    []byte
}

// Error implements the error interface, allowing an ErrorData value to be used
// as an error. Method handlers can use this to control the error code and
// auxiliary data reported to the caller.
func (e ErrorData) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Encode encodes the error data in binary format.
func (e ErrorData) Encode() []byte {
	msg := truncate(e.Message, MaxErrorMessageLen)
	var b wire.Builder
	b.Grow(2 + wire.VLen(len(msg)) + len(e.Data))
	b.Uint16(e.Code)
	b.String(msg)
	b.Raw(e.Data)
	return b.Bytes()
}

// Decode decodes data into an error data payload. An empty input decodes as
// an empty ErrorData.
func (e *ErrorData) Decode(data []byte) error {
	if len(data) == 0 {
		*e = ErrorData{}
		return nil
	}
	s := wire.NewScanner(data)
	code, err := s.Uint16()
	if err != nil {
		return fmt.Errorf("invalid error data: %w", err)
	}
	msg, err := s.String()
	if err != nil {
		return fmt.Errorf("invalid error message: %w", err)
	} else if !utf8.ValidString(msg) {
		return errors.New("error message is not valid UTF-8")
	}
	e.Code = code
	e.Message = msg
	e.Data = s.Rest()
	return nil
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes. If s exceeds this length, it is truncated at a point ≤ n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up to the start of the encoding that spans the cut.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
