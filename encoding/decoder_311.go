package encoding

import (
	"io"
)

// MQTT 3.1.1 packet decoders.
//
// encoder_311.go only ever grew encode-side support; nothing in this package
// could turn wire bytes back into a ConnectPacket311/PublishPacket311/etc.
// These decoders fill that gap, reading exactly FixedHeader.RemainingLength
// bytes the same way ParseConnectPacket/ParsePublishPacket (the MQTT 5.0
// decoders in packets_mqtt5.go) already do for v5.

// DecodeConnectPacket311 decodes an MQTT 3.1.1 CONNECT packet's variable
// header and payload. fh must already have been parsed via ParseFixedHeader.
func DecodeConnectPacket311(r io.Reader, fh *FixedHeader) (*ConnectPacket311, error) {
	p := &ConnectPacket311{FixedHeader: *fh}

	name, err := readUTF8String(r)
	if err != nil {
		return nil, NewMalformedPacketError(err, "protocol name")
	}
	if name != ProtocolNameMQTT {
		return nil, NewProtocolError(ErrInvalidProtocolName, "expected \"MQTT\"")
	}
	p.ProtocolName = name

	versionByte, err := readByte(r)
	if err != nil {
		return nil, NewMalformedPacketError(err, "protocol version")
	}
	p.ProtocolVersion = ProtocolVersion(versionByte)
	if p.ProtocolVersion != ProtocolVersion311 {
		return nil, NewProtocolError(ErrInvalidProtocolVersion, "expected level 4")
	}

	flags, err := readByte(r)
	if err != nil {
		return nil, NewMalformedPacketError(err, "connect flags")
	}
	if flags&0x01 != 0 {
		return nil, NewMalformedPacketError(ErrInvalidConnectFlags, "reserved bit set")
	}
	p.UsernameFlag = flags&0x80 != 0
	p.PasswordFlag = flags&0x40 != 0
	p.WillRetain = flags&0x20 != 0
	p.WillQoS = QoS((flags & 0x18) >> 3)
	p.WillFlag = flags&0x04 != 0
	p.CleanSession = flags&0x02 != 0

	if !p.WillFlag && (p.WillQoS != QoS0 || p.WillRetain) {
		return nil, NewMalformedPacketError(ErrWillFlagMismatch, "will flags set without will flag")
	}
	if p.PasswordFlag && !p.UsernameFlag {
		return nil, NewMalformedPacketError(ErrPasswordWithoutUsername, "")
	}

	keepAlive, err := readTwoByteInt(r)
	if err != nil {
		return nil, NewMalformedPacketError(err, "keep alive")
	}
	p.KeepAlive = keepAlive

	clientID, err := readUTF8String(r)
	if err != nil {
		return nil, NewMalformedPacketError(err, "client id")
	}
	p.ClientID = clientID
	if clientID == "" && !p.CleanSession {
		return nil, NewProtocolError(ErrInvalidPacketID, "empty client id requires clean session")
	}

	if p.WillFlag {
		p.WillTopic, err = readUTF8String(r)
		if err != nil {
			return nil, NewMalformedPacketError(err, "will topic")
		}
		p.WillPayload, err = readBinaryData(r)
		if err != nil {
			return nil, NewMalformedPacketError(err, "will payload")
		}
	}

	if p.UsernameFlag {
		p.Username, err = readUTF8String(r)
		if err != nil {
			return nil, NewMalformedPacketError(err, "username")
		}
	}

	if p.PasswordFlag {
		p.Password, err = readBinaryData(r)
		if err != nil {
			return nil, NewMalformedPacketError(err, "password")
		}
	}

	return p, nil
}

// DecodeConnackPacket311 decodes an MQTT 3.1.1 CONNACK packet.
func DecodeConnackPacket311(r io.Reader, fh *FixedHeader) (*ConnackPacket311, error) {
	flags, err := readByte(r)
	if err != nil {
		return nil, NewMalformedPacketError(err, "connack flags")
	}
	code, err := readByte(r)
	if err != nil {
		return nil, NewMalformedPacketError(err, "return code")
	}
	return &ConnackPacket311{
		FixedHeader:    *fh,
		SessionPresent: flags&0x01 != 0,
		ReturnCode:     code,
	}, nil
}

// DecodePublishPacket311 decodes an MQTT 3.1.1 PUBLISH packet. The payload
// is whatever remains of RemainingLength after the topic name and (for
// QoS>0) the packet identifier.
func DecodePublishPacket311(r io.Reader, fh *FixedHeader) (*PublishPacket311, error) {
	topic, err := readUTF8String(r)
	if err != nil {
		return nil, NewMalformedPacketError(err, "topic name")
	}
	if err := ValidateTopicName(topic); err != nil {
		return nil, err
	}

	consumed := 2 + len(topic)
	p := &PublishPacket311{FixedHeader: *fh, TopicName: topic}

	if fh.QoS != QoS0 {
		pid, err := readTwoByteInt(r)
		if err != nil {
			return nil, NewMalformedPacketError(err, "packet id")
		}
		if pid == 0 {
			return nil, NewProtocolError(ErrInvalidPacketIDZero, "")
		}
		p.PacketID = pid
		consumed += 2
	}

	remaining := int(fh.RemainingLength) - consumed
	if remaining < 0 {
		return nil, NewMalformedPacketError(ErrInvalidRemainingLength, "publish payload")
	}
	payload := make([]byte, remaining)
	if remaining > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, NewMalformedPacketError(err, "publish payload")
		}
	}
	p.Payload = payload

	return p, nil
}

// DecodeSubscribePacket311 decodes an MQTT 3.1.1 SUBSCRIBE packet.
func DecodeSubscribePacket311(r io.Reader, fh *FixedHeader) (*SubscribePacket311, error) {
	pid, err := readTwoByteInt(r)
	if err != nil {
		return nil, NewMalformedPacketError(err, "packet id")
	}
	if pid == 0 {
		return nil, NewProtocolError(ErrInvalidPacketIDZero, "")
	}

	p := &SubscribePacket311{FixedHeader: *fh, PacketID: pid}
	consumed := 2

	for consumed < int(fh.RemainingLength) {
		filter, err := readUTF8String(r)
		if err != nil {
			return nil, NewMalformedPacketError(err, "topic filter")
		}
		if err := ValidateTopicFilter(filter); err != nil {
			return nil, err
		}
		qosByte, err := readByte(r)
		if err != nil {
			return nil, NewMalformedPacketError(err, "subscription qos")
		}
		qos := QoS(qosByte & 0x03)
		if !qos.IsValid() {
			return nil, NewMalformedPacketError(ErrInvalidQoS, "")
		}
		p.Subscriptions = append(p.Subscriptions, Subscription311{TopicFilter: filter, QoS: qos})
		consumed += 2 + len(filter) + 1
	}

	if len(p.Subscriptions) == 0 {
		return nil, NewProtocolError(ErrEmptySubscriptionList, "")
	}

	return p, nil
}

// DecodeSubackPacket311 decodes an MQTT 3.1.1 SUBACK packet.
func DecodeSubackPacket311(r io.Reader, fh *FixedHeader) (*SubackPacket311, error) {
	pid, err := readTwoByteInt(r)
	if err != nil {
		return nil, NewMalformedPacketError(err, "packet id")
	}
	n := int(fh.RemainingLength) - 2
	if n < 0 {
		return nil, NewMalformedPacketError(ErrInvalidRemainingLength, "suback return codes")
	}
	codes := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, codes); err != nil {
			return nil, NewMalformedPacketError(err, "suback return codes")
		}
	}
	return &SubackPacket311{FixedHeader: *fh, PacketID: pid, ReturnCodes: codes}, nil
}

// DecodeUnsubscribePacket311 decodes an MQTT 3.1.1 UNSUBSCRIBE packet.
func DecodeUnsubscribePacket311(r io.Reader, fh *FixedHeader) (*UnsubscribePacket311, error) {
	pid, err := readTwoByteInt(r)
	if err != nil {
		return nil, NewMalformedPacketError(err, "packet id")
	}
	if pid == 0 {
		return nil, NewProtocolError(ErrInvalidPacketIDZero, "")
	}

	p := &UnsubscribePacket311{FixedHeader: *fh, PacketID: pid}
	consumed := 2

	for consumed < int(fh.RemainingLength) {
		filter, err := readUTF8String(r)
		if err != nil {
			return nil, NewMalformedPacketError(err, "topic filter")
		}
		if err := ValidateTopicFilter(filter); err != nil {
			return nil, err
		}
		p.TopicFilters = append(p.TopicFilters, filter)
		consumed += 2 + len(filter)
	}

	if len(p.TopicFilters) == 0 {
		return nil, NewProtocolError(ErrEmptyUnsubscribeList, "")
	}

	return p, nil
}

// DecodeUnsubackPacket311 decodes an MQTT 3.1.1 UNSUBACK packet.
func DecodeUnsubackPacket311(r io.Reader, fh *FixedHeader) (*UnsubackPacket311, error) {
	pid, err := readTwoByteInt(r)
	if err != nil {
		return nil, NewMalformedPacketError(err, "packet id")
	}
	return &UnsubackPacket311{FixedHeader: *fh, PacketID: pid}, nil
}

// DecodeDisconnectPacket311 decodes an MQTT 3.1.1 DISCONNECT packet (header only).
func DecodeDisconnectPacket311(fh *FixedHeader) (*DisconnectPacket311, error) {
	return &DisconnectPacket311{FixedHeader: *fh}, nil
}

// DecodePingreqPacket311 and DecodePingrespPacket311 accept header-only
// packets; both PINGREQ and PINGRESP carry no variable header or payload.
func DecodePingreqPacket311(fh *FixedHeader) (*FixedHeader, error) {
	if fh.RemainingLength != 0 {
		return nil, NewMalformedPacketError(ErrInvalidRemainingLength, "pingreq must have zero remaining length")
	}
	return fh, nil
}

func DecodePingrespPacket311(fh *FixedHeader) (*FixedHeader, error) {
	if fh.RemainingLength != 0 {
		return nil, NewMalformedPacketError(ErrInvalidRemainingLength, "pingresp must have zero remaining length")
	}
	return fh, nil
}
