package discovery

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/opd-ai/cellswarm/peer"
)

// Every discovery packet starts with packetMagic. Its 0x40 bit is clear, which
// keeps QUIC from claiming packets on the shared socket.
const packetMagic = 0x0C

// Packet types.
const (
	packetAnnounce byte = 0x01
	packetQuery    byte = 0x02
	packetPunchReq byte = 0x10
	packetPunchFwd byte = 0x11
	packetProbe    byte = 0x12
	packetAck      byte = 0x13
)

const (
	headerSize   = 2 + 32
	topicSize    = 32
	endpointSize = 16 + 2
)

var errShortPacket = errors.New("discovery packet too short")

// packet is a decoded discovery packet. Topic and Port are set for announce
// and query packets, Endpoint for punch requests and forwards.
type packet struct {
	Type     byte
	NodeID   [32]byte
	Topic    peer.Topic
	Port     uint16
	Endpoint *net.UDPAddr
}

func (p *packet) marshal() []byte {
	buf := make([]byte, headerSize, headerSize+topicSize+endpointSize)
	buf[0] = packetMagic
	buf[1] = p.Type
	copy(buf[2:headerSize], p.NodeID[:])

	switch p.Type {
	case packetAnnounce, packetQuery:
		buf = append(buf, p.Topic[:]...)
		buf = binary.BigEndian.AppendUint16(buf, p.Port)
	case packetPunchReq, packetPunchFwd:
		ip := p.Endpoint.IP.To16()
		if ip == nil {
			ip = net.IPv6zero
		}
		buf = append(buf, ip...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(p.Endpoint.Port))
	}
	return buf
}

// isPacket reports whether data looks like a discovery packet.
func isPacket(data []byte) bool {
	return len(data) >= headerSize && data[0] == packetMagic
}

func parsePacket(data []byte) (*packet, error) {
	if !isPacket(data) {
		return nil, errShortPacket
	}

	p := &packet{Type: data[1]}
	copy(p.NodeID[:], data[2:headerSize])
	body := data[headerSize:]

	switch p.Type {
	case packetAnnounce, packetQuery:
		if len(body) < topicSize+2 {
			return nil, errShortPacket
		}
		copy(p.Topic[:], body[:topicSize])
		p.Port = binary.BigEndian.Uint16(body[topicSize:])
	case packetPunchReq, packetPunchFwd:
		if len(body) < endpointSize {
			return nil, errShortPacket
		}
		ip := make(net.IP, 16)
		copy(ip, body[:16])
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		p.Endpoint = &net.UDPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(body[16:]))}
	case packetProbe, packetAck:
	default:
		return nil, errors.New("unknown discovery packet type")
	}
	return p, nil
}
