package mqttd

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"log"
	"maps"
	"net"
	"runtime"
	"slices"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/golang-io/mqttd/topic"
)

const (
	writeTimeout = 10 * time.Second
	stackSize    = 64 << 10

	granted0x80 = 0x80 // SUBACK failure return code
)

// accept wraps a new socket in a context that waits for CONNECT.
func (b *Broker) accept(conn net.Conn, ls ListenerSocket) {
	c, err := NewClient(nil, true, nil)
	if err != nil {
		log.Printf("accept failed: remote=%s, err=%v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	c.log = b.log
	c.sock = conn
	c.listener = ls.Listener
	if ra := conn.RemoteAddr(); ra != nil {
		c.address = ra.String()
	}
	c.maxQoS = ls.Listener.MaxQoS
	c.msgsOut.setLimits(b.config.inflightMaximum(), b.config.MaxQueuedMessages)
	c.setState(StateConnecting)
	c.lastMsgIn = time.Now()

	b.track(c)
	b.mu.Lock()
	b.bySock[conn] = c.handle
	b.mu.Unlock()
	stat.ActiveConnections.Inc()
	b.log.Printf(LogDebug, "new connection: remote=%s, listener=%s", c.address, ls.Listener)
	b.mux.read(conn)
}

func (b *Broker) handlePacket(c *Client, pkt packets.ControlPacket) {
	defer func() {
		if err := recover(); err != nil {
			buf := make([]byte, stackSize)
			buf = buf[:runtime.Stack(buf, false)]
			b.log.Printf(LogErr, "Error: panic serving clientId=%s, remote=%s: %v\n%s", c.id, c.address, err, buf)
			b.disconnect(c, false)
		}
	}()

	c.lastMsgIn = time.Now()
	if p, ok := pkt.(*packets.ConnectPacket); ok {
		b.handleConnect(c, p)
		return
	}
	if c.State() != StateConnected {
		c.logf(LogNotice, "Client %s sent %T before CONNECT, disconnecting.", c.address, pkt)
		b.disconnect(c, false)
		return
	}

	var err error
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		err = b.handlePublish(c, p)
	case *packets.PubackPacket:
		b.ackOutbound(c, p.MessageID)
	case *packets.PubrecPacket:
		err = b.handlePubrec(c, p)
	case *packets.PubrelPacket:
		err = b.handlePubrel(c, p)
	case *packets.PubcompPacket:
		b.ackOutbound(c, p.MessageID)
	case *packets.SubscribePacket:
		err = b.handleSubscribe(c, p)
	case *packets.UnsubscribePacket:
		err = b.handleUnsubscribe(c, p)
	case *packets.PingreqPacket:
		err = b.writePacket(c, packets.NewControlPacket(packets.Pingresp))
	case *packets.DisconnectPacket:
		c.logf(LogNotice, "Client %s disconnected.", c.id)
		c.ClearWill()
		b.disconnect(c, true)
		return
	default:
		err = fmt.Errorf("unexpected packet %T", pkt)
	}
	if err != nil {
		c.logf(LogNotice, "Client %s disconnected: err=%v", c.id, err)
		b.disconnect(c, false)
	}
}

func (b *Broker) handleConnect(c *Client, p *packets.ConnectPacket) {
	if c.State() != StateConnecting {
		c.logf(LogNotice, "Client %s sent a second CONNECT, disconnecting.", c.id)
		b.disconnect(c, false)
		return
	}
	refuse := func(rc byte, format string, args ...any) {
		c.logf(LogNotice, format, args...)
		c.ClearWill()
		if rc != packets.ErrProtocolViolation {
			_ = b.connack(c, false, rc)
		}
		b.disconnect(c, false)
	}

	if rc := p.Validate(); rc != packets.Accepted {
		refuse(rc, "Client %s refused: %s", c.address, packets.ConnackReturnCodes[rc])
		return
	}
	id := p.ClientIdentifier
	if id == "" && !c.listener.Security.AllowZeroLengthClientID {
		refuse(packets.ErrRefusedIDRejected, "Client %s refused: zero length client id", c.address)
		return
	}
	if err := validateClientID(id); err != nil {
		refuse(packets.ErrRefusedIDRejected, "Client %s refused: %v", c.address, err)
		return
	}

	if p.UsernameFlag {
		if err := c.SetCredentials(p.Username, string(p.Password)); err != nil {
			refuse(packets.ErrRefusedBadUsernameOrPassword, "Client %s refused: %v", c.address, err)
			return
		}
		if err := b.security.Authenticate(c, p.Username, string(p.Password)); err != nil {
			refuse(packets.ErrRefusedBadUsernameOrPassword, "Client %s refused: username=%s, err=%v", c.address, p.Username, err)
			return
		}
	} else if !b.allowAnonymous(c.listener) {
		refuse(packets.ErrRefusedNotAuthorised, "Client %s refused: anonymous access denied", c.address)
		return
	}
	if p.WillFlag {
		w := &Will{Topic: p.WillTopic, Payload: p.WillMessage, QoS: p.WillQos, Retain: p.WillRetain}
		if w.QoS > c.maxQoS {
			refuse(packets.ErrProtocolViolation, "Client %s refused: will qos=%d above maximum", c.address, w.QoS)
			return
		}
		if err := c.SetWill(w); err != nil {
			refuse(packets.ErrProtocolViolation, "Client %s refused: invalid will topic=%q", c.address, p.WillTopic)
			return
		}
	}
	if err := b.security.FindACLs(c); err != nil {
		refuse(packets.ErrRefusedNotAuthorised, "Client %s refused: username=%s, err=%v", c.address, p.Username, err)
		return
	}

	c.cleanStart = p.CleanSession
	c.protocol = p.ProtocolVersion
	c.keepalive = time.Duration(p.Keepalive) * time.Second
	if !c.cleanStart {
		c.sessionExpiry = b.config.sessionExpiry()
	}
	if tc, ok := c.sock.(*tls.Conn); ok {
		st := tc.ConnectionState()
		if c.tls == nil {
			c.tls = new(tlsState)
		}
		c.tls.conn = &st
	}

	target, sessionPresent := c, false
	if id != "" {
		c.id = id
		if old, ok := b.Client(id); ok && old != c {
			b.takeover(old)
			if c.cleanStart || old.cleanStart {
				b.removeClient(old)
			} else {
				b.mu.Lock()
				b.bySock[c.sock] = old.handle
				b.mu.Unlock()
				old.adopt(c)
				b.removeClient(c)
				target, sessionPresent = old, true
				old.msgsOut.requeue()
			}
		}
	}
	if !sessionPresent && c.cleanStart {
		b.deleteSession(target.id)
	}
	b.cancelDelayedWill(target.id)

	target.setState(StateConnected)
	b.mu.Lock()
	b.byID[target.id] = target.handle
	b.mu.Unlock()
	b.saveSession(target)

	if err := b.connack(target, sessionPresent, packets.Accepted); err != nil {
		target.logf(LogNotice, "Client %s disconnected: err=%v", target.id, err)
		b.disconnect(target, false)
		return
	}
	b.log.Printf(LogNotice, "New client connected from %s as %s (p%d, c%d, k%d, u'%s').",
		target.address, target.id, target.protocol, boolToInt(target.cleanStart), p.Keepalive, target.username)
	if hook := b.options.ClientHook; hook != nil {
		hook(target)
	}
	if target.onConnect != nil {
		target.onConnect(target, target.userdata, int(packets.Accepted))
	}
	b.mux.watch(target.wake.Load(), target.handle)
	b.flush(target)
}

// takeover ends the live connection of old because its client id
// reconnected. The old connection's will is sent first.
func (b *Broker) takeover(old *Client) {
	if old.sock == nil {
		return
	}
	old.logf(LogNotice, "Client %s already connected, closing old connection.", old.id)
	b.queueWill(old)
	b.mu.Lock()
	delete(b.bySock, old.sock)
	b.mu.Unlock()
	_ = old.sock.Close()
	old.sock = nil
	stat.ActiveConnections.Dec()
	if old.onDisconnect != nil {
		old.onDisconnect(old, old.userdata, 1)
	}
	old.setState(StateDisconnected)
}

func (b *Broker) allowAnonymous(l *ListenerConfig) bool {
	if l == nil || l.Security.AllowAnonymous < 0 {
		return b.config.AllowAnonymous
	}
	return l.Security.AllowAnonymous > 0
}

func (b *Broker) connack(c *Client, sessionPresent bool, rc byte) error {
	p := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	p.SessionPresent = sessionPresent
	p.ReturnCode = rc
	return b.writePacket(c, p)
}

func (b *Broker) handlePublish(c *Client, p *packets.PublishPacket) error {
	if !topic.ValidName(p.TopicName) {
		return fmt.Errorf("invalid topic name %q", p.TopicName)
	}
	if p.Qos > c.maxQoS {
		return fmt.Errorf("qos=%d above maximum %d", p.Qos, c.maxQoS)
	}
	msg := &Message{Topic: p.TopicName, Payload: p.Payload, QoS: p.Qos, Retain: p.Retain}
	allowed := b.security.Allow(c, p.TopicName, AccessWrite)
	if !allowed {
		c.logf(LogDebug, "Denied PUBLISH from %s: topic=%s", c.id, p.TopicName)
	}

	switch p.Qos {
	case 0:
		if allowed {
			b.publish(msg)
		}
		return nil
	case 1:
		if allowed {
			b.publish(msg)
		}
		ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
		ack.MessageID = p.MessageID
		return b.writePacket(c, ack)
	default:
		held := &clientMessage{mid: p.MessageID, qos: 2}
		if allowed {
			held.msg = msg
		}
		c.msgsIn.hold(held)
		rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
		rec.MessageID = p.MessageID
		return b.writePacket(c, rec)
	}
}

func (b *Broker) handlePubrel(c *Client, p *packets.PubrelPacket) error {
	if m, ok := c.msgsIn.remove(p.MessageID); ok && m.msg != nil {
		b.publish(m.msg)
	}
	comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
	comp.MessageID = p.MessageID
	return b.writePacket(c, comp)
}

func (b *Broker) handlePubrec(c *Client, p *packets.PubrecPacket) error {
	if m, ok := c.msgsOut.find(p.MessageID); ok {
		c.msgsOut.setState(m, msgWaitPubcomp, time.Now())
	}
	return b.writePubrel(c, p.MessageID)
}

func (b *Broker) writePubrel(c *Client, mid uint16) error {
	rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
	rel.MessageID = mid
	return b.writePacket(c, rel)
}

// ackOutbound completes a QoS 1 or 2 flow and sends what the freed
// window admits.
func (b *Broker) ackOutbound(c *Client, mid uint16) {
	if _, ok := c.msgsOut.remove(mid); !ok {
		return
	}
	if c.onPublish != nil {
		c.onPublish(c, c.userdata, mid)
	}
	b.flush(c)
}

func (b *Broker) handleSubscribe(c *Client, p *packets.SubscribePacket) error {
	granted := make([]byte, len(p.Topics))
	for i, filter := range p.Topics {
		qos := p.Qoss[i]
		if qos > 2 || !topic.ValidFilter(filter) || !b.security.Allow(c, filter, AccessRead) {
			granted[i] = granted0x80
			continue
		}
		qos = min(qos, c.maxQoS)
		if err := b.subs.Subscribe(filter, c.handle, qos); err != nil {
			granted[i] = granted0x80
			continue
		}
		granted[i] = qos
		c.logf(LogSubscribe, "%s %d %s", c.id, qos, filter)
	}

	ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
	ack.MessageID = p.MessageID
	ack.ReturnCodes = granted
	if err := b.writePacket(c, ack); err != nil {
		return err
	}
	if c.onSubscribe != nil {
		c.onSubscribe(c, c.userdata, p.MessageID, granted)
	}

	for i, filter := range p.Topics {
		if granted[i] == granted0x80 {
			continue
		}
		b.sendRetained(c, filter, granted[i])
	}
	b.saveSession(c)
	b.flush(c)
	return nil
}

// sendRetained queues the retained messages matching filter on c.
func (b *Broker) sendRetained(c *Client, filter string, qos byte) {
	for _, name := range slices.Sorted(maps.Keys(b.retained)) {
		if !topic.Match(filter, name) || !b.security.Allow(c, name, AccessRead) {
			continue
		}
		m := b.retained[name]
		out := &Message{Topic: m.Topic, Payload: m.Payload, QoS: min(m.QoS, qos), Retain: true}
		if _, err := c.Enqueue(out); err != nil {
			c.logf(LogWarning, "Warning: retained message dropped: clientId=%s, topic=%s, err=%v", c.id, name, err)
		}
	}
}

func (b *Broker) handleUnsubscribe(c *Client, p *packets.UnsubscribePacket) error {
	for _, filter := range p.Topics {
		b.subs.Unsubscribe(filter, c.handle)
		c.logf(LogUnsubscribe, "%s %s", c.id, filter)
	}
	ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
	ack.MessageID = p.MessageID
	if err := b.writePacket(c, ack); err != nil {
		return err
	}
	if c.onUnsubscribe != nil {
		c.onUnsubscribe(c, c.userdata, p.MessageID)
	}
	b.saveSession(c)
	return nil
}

// writePacket encodes pkt and writes it with one Write call.
func (b *Broker) writePacket(c *Client, pkt packets.ControlPacket) error {
	if c.sock == nil {
		return fmt.Errorf("clientId=%s has no socket", c.id)
	}
	var buf bytes.Buffer
	if err := pkt.Write(&buf); err != nil {
		return err
	}
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.sock.Write(buf.Bytes()); err != nil {
		return err
	}
	stat.PacketSent.Inc()
	return nil
}

func publishPacket(m *clientMessage) *packets.PublishPacket {
	p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	p.TopicName = m.msg.Topic
	p.Payload = m.msg.Payload
	p.Qos = m.qos
	p.Retain = m.msg.Retain
	p.Dup = m.dup
	p.MessageID = m.mid
	return p
}

// flush writes every outbound message that is ready on c.
func (b *Broker) flush(c *Client) {
	if c.sock == nil || c.State() != StateConnected {
		return
	}
	for _, m := range c.msgsOut.ready() {
		if err := b.writePacket(c, publishPacket(m)); err != nil {
			c.logf(LogNotice, "Client %s disconnected: err=%v", c.id, err)
			b.disconnect(c, false)
			return
		}
		c.msgsOut.sent(m, time.Now())
		if c.onMessage != nil {
			c.onMessage(c, c.userdata, m.msg)
		}
	}
}

// retry resends the outbound messages whose acknowledgement is overdue.
func (b *Broker) retry(c *Client, now time.Time, interval time.Duration) {
	for _, m := range c.msgsOut.expired(now, interval) {
		var err error
		if m.state == msgWaitPubcomp {
			err = b.writePubrel(c, m.mid)
		} else {
			m.dup = true
			err = b.writePacket(c, publishPacket(m))
		}
		if err != nil {
			c.logf(LogNotice, "Client %s disconnected: err=%v", c.id, err)
			b.disconnect(c, false)
			return
		}
		c.msgsOut.setState(m, m.state, now)
	}
}

// disconnect closes the socket of c. Without a clean DISCONNECT the will
// is sent. Clean sessions and contexts that never connected are removed;
// persistent sessions stay as DISCONNECTED.
func (b *Broker) disconnect(c *Client, clean bool) {
	state := c.State()
	if state != StateConnecting && state != StateConnected {
		return
	}
	c.setState(StateDisconnecting)
	if !clean {
		b.queueWill(c)
	}
	if c.sock != nil {
		b.mu.Lock()
		if h, ok := b.bySock[c.sock]; ok && h == c.handle {
			delete(b.bySock, c.sock)
		}
		b.mu.Unlock()
		_ = c.sock.Close()
		c.sock = nil
		stat.ActiveConnections.Dec()
	}
	if state == StateConnected && c.onDisconnect != nil {
		rc := 0
		if !clean {
			rc = 1
		}
		c.onDisconnect(c, c.userdata, rc)
	}
	if c.cleanStart || state != StateConnected {
		b.removeClient(c)
		return
	}
	c.setState(StateDisconnected)
	c.disconnectedAt = time.Now()
	b.saveSession(c)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
