package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Message codes. The set is closed; a datagram with any other first byte is
// rejected by the codec.
const (
	codeConnectRequest       byte = 0x01
	codeConnectReply         byte = 0x02
	codeNodeLookupRequest    byte = 0x03
	codeNodeReply            byte = 0x04
	codeStoreRequest         byte = 0x05
	codeContentLookupRequest byte = 0x06
	codeContentReply         byte = 0x07
)

// Message is one wire message variant. Every message carries the sender's
// contact so receivers can learn about the origin.
type Message interface {
	Code() byte
	OriginContact() Contact
}

// ConnectRequest asks a peer to acknowledge us as a network member
type ConnectRequest struct {
	Origin Contact
}

// ConnectReply acknowledges a ConnectRequest
type ConnectReply struct {
	Origin Contact
}

// NodeLookupRequest asks a peer for its closest contacts to Target
type NodeLookupRequest struct {
	Origin Contact
	Target NodeID
}

// NodeReply carries a peer's closest contacts to a requested target
type NodeReply struct {
	Origin   Contact
	Contacts []Contact
}

// StoreRequest asks a peer to store a content item. It has no reply.
type StoreRequest struct {
	Origin  Contact
	Content Content
}

// ContentLookupRequest asks a peer for content matching the parameters
type ContentLookupRequest struct {
	Origin Contact
	Params GetParameter
}

// ContentReply carries a stored content item back to a content lookup
type ContentReply struct {
	Origin  Contact
	Content Content
}

func (m *ConnectRequest) Code() byte       { return codeConnectRequest }
func (m *ConnectReply) Code() byte         { return codeConnectReply }
func (m *NodeLookupRequest) Code() byte    { return codeNodeLookupRequest }
func (m *NodeReply) Code() byte            { return codeNodeReply }
func (m *StoreRequest) Code() byte         { return codeStoreRequest }
func (m *ContentLookupRequest) Code() byte { return codeContentLookupRequest }
func (m *ContentReply) Code() byte         { return codeContentReply }

func (m *ConnectRequest) OriginContact() Contact       { return m.Origin }
func (m *ConnectReply) OriginContact() Contact         { return m.Origin }
func (m *NodeLookupRequest) OriginContact() Contact    { return m.Origin }
func (m *NodeReply) OriginContact() Contact            { return m.Origin }
func (m *StoreRequest) OriginContact() Contact         { return m.Origin }
func (m *ContentLookupRequest) OriginContact() Contact { return m.Origin }
func (m *ContentReply) OriginContact() Contact         { return m.Origin }

// isReplyCode distinguishes replies (routed by correlation id) from requests
// (routed to a handler)
func isReplyCode(code byte) bool {
	switch code {
	case codeConnectReply, codeNodeReply, codeContentReply:
		return true
	}
	return false
}

// encodeDatagram serializes a message as
// [code u8][correlation id u32 BE][body]
func encodeDatagram(correlationID uint32, m Message) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(m.Code())
	binary.Write(buf, binary.BigEndian, correlationID)

	switch msg := m.(type) {
	case *ConnectRequest:
		writeContact(buf, msg.Origin)
	case *ConnectReply:
		writeContact(buf, msg.Origin)
	case *NodeLookupRequest:
		writeContact(buf, msg.Origin)
		buf.Write(msg.Target[:])
	case *NodeReply:
		writeContact(buf, msg.Origin)
		binary.Write(buf, binary.BigEndian, uint32(len(msg.Contacts)))
		for _, c := range msg.Contacts {
			writeContact(buf, c)
		}
	case *StoreRequest:
		writeContact(buf, msg.Origin)
		writeContent(buf, msg.Content)
	case *ContentLookupRequest:
		writeContact(buf, msg.Origin)
		buf.Write(msg.Params.Key[:])
		writeString(buf, msg.Params.OwnerID)
		writeString(buf, msg.Params.Type)
	case *ContentReply:
		writeContact(buf, msg.Origin)
		writeContent(buf, msg.Content)
	default:
		return nil, fmt.Errorf("cannot encode message code 0x%02x", m.Code())
	}

	if buf.Len() > MaxDatagramSize {
		return nil, fmt.Errorf("datagram too large: %d bytes", buf.Len())
	}
	return buf.Bytes(), nil
}

// decodeDatagram parses one datagram into its correlation id and message
// variant. Unknown codes, truncated bodies and oversize datagrams fail with
// an error wrapping ErrDecode.
func decodeDatagram(data []byte) (uint32, Message, error) {
	if len(data) > MaxDatagramSize {
		return 0, nil, fmt.Errorf("%w: %d bytes exceeds cap", ErrDecode, len(data))
	}
	if len(data) < 5 {
		return 0, nil, fmt.Errorf("%w: short header", ErrDecode)
	}

	code := data[0]
	correlationID := binary.BigEndian.Uint32(data[1:5])
	r := bytes.NewReader(data[5:])

	msg, err := decodeBody(code, r)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: code 0x%02x: %v", ErrDecode, code, err)
	}
	if r.Len() != 0 {
		return 0, nil, fmt.Errorf("%w: code 0x%02x: %d trailing bytes", ErrDecode, code, r.Len())
	}
	return correlationID, msg, nil
}

func decodeBody(code byte, r *bytes.Reader) (Message, error) {
	switch code {
	case codeConnectRequest:
		origin, err := readContact(r)
		if err != nil {
			return nil, err
		}
		return &ConnectRequest{Origin: origin}, nil

	case codeConnectReply:
		origin, err := readContact(r)
		if err != nil {
			return nil, err
		}
		return &ConnectReply{Origin: origin}, nil

	case codeNodeLookupRequest:
		origin, err := readContact(r)
		if err != nil {
			return nil, err
		}
		target, err := readNodeID(r)
		if err != nil {
			return nil, err
		}
		return &NodeLookupRequest{Origin: origin, Target: target}, nil

	case codeNodeReply:
		origin, err := readContact(r)
		if err != nil {
			return nil, err
		}
		var count uint32
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return nil, err
		}
		if int(count) > r.Len() {
			return nil, fmt.Errorf("contact count %d exceeds body", count)
		}
		contacts := make([]Contact, 0, count)
		for i := uint32(0); i < count; i++ {
			c, err := readContact(r)
			if err != nil {
				return nil, err
			}
			contacts = append(contacts, c)
		}
		return &NodeReply{Origin: origin, Contacts: contacts}, nil

	case codeStoreRequest:
		origin, err := readContact(r)
		if err != nil {
			return nil, err
		}
		content, err := readContent(r)
		if err != nil {
			return nil, err
		}
		return &StoreRequest{Origin: origin, Content: content}, nil

	case codeContentLookupRequest:
		origin, err := readContact(r)
		if err != nil {
			return nil, err
		}
		key, err := readNodeID(r)
		if err != nil {
			return nil, err
		}
		owner, err := readString(r)
		if err != nil {
			return nil, err
		}
		ctype, err := readString(r)
		if err != nil {
			return nil, err
		}
		return &ContentLookupRequest{
			Origin: origin,
			Params: GetParameter{Key: key, OwnerID: owner, Type: ctype},
		}, nil

	case codeContentReply:
		origin, err := readContact(r)
		if err != nil {
			return nil, err
		}
		content, err := readContent(r)
		if err != nil {
			return nil, err
		}
		return &ContentReply{Origin: origin, Content: content}, nil
	}

	return nil, fmt.Errorf("unknown message code")
}

// === Field codecs ===

// A contact serializes as 20-byte id, 4-byte IPv4, 4-byte port word
func writeContact(buf *bytes.Buffer, c Contact) {
	buf.Write(c.ID[:])
	buf.Write(c.IP[:])
	binary.Write(buf, binary.BigEndian, uint32(c.Port))
}

func readContact(r *bytes.Reader) (Contact, error) {
	var c Contact
	id, err := readNodeID(r)
	if err != nil {
		return c, err
	}
	c.ID = id
	if _, err := io.ReadFull(r, c.IP[:]); err != nil {
		return c, err
	}
	var port uint32
	if err := binary.Read(r, binary.BigEndian, &port); err != nil {
		return c, err
	}
	if port > 0xFFFF {
		return c, fmt.Errorf("port %d out of range", port)
	}
	c.Port = uint16(port)
	return c, nil
}

func readNodeID(r *bytes.Reader) (NodeID, error) {
	var id NodeID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// Content serializes as key, length-prefixed owner and type (u16 lengths),
// length-prefixed value (u32 length)
func writeContent(buf *bytes.Buffer, c Content) {
	buf.Write(c.Key[:])
	writeString(buf, c.OwnerID)
	writeString(buf, c.Type)
	binary.Write(buf, binary.BigEndian, uint32(len(c.Value)))
	buf.Write(c.Value)
}

func readContent(r *bytes.Reader) (Content, error) {
	var c Content
	key, err := readNodeID(r)
	if err != nil {
		return c, err
	}
	c.Key = key
	if c.OwnerID, err = readString(r); err != nil {
		return c, err
	}
	if c.Type, err = readString(r); err != nil {
		return c, err
	}

	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return c, err
	}
	if int(size) > r.Len() {
		return c, fmt.Errorf("value length %d exceeds body", size)
	}
	c.Value = make([]byte, size)
	if _, err := io.ReadFull(r, c.Value); err != nil {
		return c, err
	}
	return c, nil
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var size uint16
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return "", err
	}
	if int(size) > r.Len() {
		return "", fmt.Errorf("string length %d exceeds body", size)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
