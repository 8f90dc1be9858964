package realtime

import (
	"sort"

	"chatsync/cmd/internal/transport"
	v1 "chatsync/contracts/chat/v1"
)

// MessageListener receives normalized messages for a topic.
type MessageListener func(msg v1.Message)

type listenerEntry struct {
	id ListenerID
	fn MessageListener
}

// subscription is the local fan-out for one topic over a single transport
// subscription. handle is nil while the transport is down; the listeners are
// kept so the topic can be restored after a reconnect.
type subscription struct {
	topic     string
	listeners []listenerEntry
	handle    transport.Subscription
	// seq identifies the transport subscription deliveries belong to.
	seq uint64
}

// pendingSwitch is a conversation switch waiting for the connection to settle.
type pendingSwitch struct {
	conversationID int64
	fn             MessageListener
	timer          Timer
}

// SwitchConversation makes id the current conversation. A different previous
// conversation is unsubscribed first. When the connection is down, the switch
// is parked and completes shortly after the next connect.
func (m *Manager) SwitchConversation(id int64, fn MessageListener) bool {
	var ok bool
	m.do(func() { ok = m.switchConversation(id, fn) })
	return ok
}

// SubscribeToConversation subscribes fn to the conversation topic of id and
// marks id as current.
func (m *Manager) SubscribeToConversation(id int64, fn MessageListener) bool {
	var ok bool
	m.do(func() { ok = m.subscribeConversation(id, fn, false) })
	return ok
}

// SubscribeToAllConversations subscribes fn to the cross-conversation feed.
func (m *Manager) SubscribeToAllConversations(fn MessageListener) bool {
	var ok bool
	m.do(func() {
		if !m.isConnected() {
			m.log.Error("realtime.subscribe.fail", "topic", v1.AllConversationsTopic, "err", ErrNotConnected)
			return
		}
		_, ok = m.subscribe(v1.AllConversationsTopic, fn)
	})
	return ok
}

// Subscribe adds fn to topic, opening the transport subscription on first use.
func (m *Manager) Subscribe(topic string, fn MessageListener) (ListenerID, bool) {
	var (
		id ListenerID
		ok bool
	)
	m.do(func() { id, ok = m.subscribe(topic, fn) })
	return id, ok
}

// Unsubscribe drops topic and all of its listeners.
func (m *Manager) Unsubscribe(topic string) {
	m.do(func() { m.unsubscribe(topic) })
}

// UnsubscribeAll drops every topic. Individual failures are logged and skipped.
func (m *Manager) UnsubscribeAll() {
	m.do(m.unsubscribeAll)
}

// RemoveListener detaches one listener; the topic goes away with its last one.
func (m *Manager) RemoveListener(topic string, id ListenerID) {
	m.do(func() { m.removeListener(topic, id) })
}

// CurrentConversation returns the conversation the router is following.
func (m *Manager) CurrentConversation() (int64, bool) {
	var (
		id int64
		ok bool
	)
	m.do(func() { id, ok = m.currentID, m.hasCurrent })
	return id, ok
}

// Topics returns the subscribed topics in sorted order.
func (m *Manager) Topics() []string {
	var out []string
	m.do(func() {
		for t := range m.subs {
			out = append(out, t)
		}
	})
	sort.Strings(out)
	return out
}

// ---- loop side ----

func (m *Manager) switchConversation(id int64, fn MessageListener) bool {
	if fn == nil {
		m.log.Error("realtime.switch.fail", "conversation_id", id, "err", "nil listener")
		return false
	}
	m.trace("realtime.switch", "from", m.currentID, "to", id, "had_current", m.hasCurrent)

	if m.hasCurrent && m.currentID != id {
		m.unsubscribe(v1.ConversationTopic(m.currentID))
		m.switchListener = 0
	}
	m.hasCurrent, m.currentID = true, id

	if m.isConnected() {
		m.clearPending()
		return m.subscribeConversation(id, fn, true)
	}

	if m.cfg == nil {
		m.log.Error("realtime.switch.fail", "conversation_id", id, "err", "not initialized")
		return false
	}
	if m.client == nil && !m.initialize(*m.cfg) {
		return false
	}
	if !m.connect(true) {
		return false
	}

	m.clearPending()
	m.pending = &pendingSwitch{conversationID: id, fn: fn}
	m.trace("realtime.switch.pending", "conversation_id", id)
	return true
}

func (m *Manager) subscribeConversation(id int64, fn MessageListener, viaSwitch bool) bool {
	if m.client == nil || !m.client.Connected() {
		m.log.Error("realtime.subscribe.fail", "conversation_id", id, "err", ErrNotConnected)
		return false
	}
	topic := v1.ConversationTopic(id)
	m.hasCurrent, m.currentID = true, id

	if viaSwitch && m.switchListener != 0 {
		m.detachListener(topic, m.switchListener)
		m.switchListener = 0
	}
	lid, ok := m.subscribe(topic, fn)
	if ok && viaSwitch {
		m.switchListener = lid
	}
	return ok
}

func (m *Manager) subscribe(topic string, fn MessageListener) (ListenerID, bool) {
	if fn == nil {
		m.log.Error("realtime.subscribe.fail", "topic", topic, "err", "nil listener")
		return 0, false
	}
	if m.client == nil || !m.client.Connected() {
		m.log.Error("realtime.subscribe.fail", "topic", topic, "err", ErrNotConnected)
		return 0, false
	}

	s := m.subs[topic]
	if s == nil {
		s = &subscription{topic: topic}
	}
	if s.handle == nil {
		if err := m.openTransport(s); err != nil {
			m.log.Error("realtime.subscribe.fail", "topic", topic, "err", err)
			return 0, false
		}
	}
	m.subs[topic] = s

	id := m.newListenerID()
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	m.trace("realtime.subscribed", "topic", topic, "listeners", len(s.listeners))
	return id, true
}

func (m *Manager) openTransport(s *subscription) error {
	m.subSeq++
	seq := m.subSeq
	topic := s.topic

	h, err := m.client.Subscribe(topic, func(msg transport.Message) {
		m.post(func() { m.onFrame(topic, seq, msg) })
	})
	if err != nil {
		return err
	}
	s.handle, s.seq = h, seq
	return nil
}

func (m *Manager) unsubscribe(topic string) {
	s, ok := m.subs[topic]
	if !ok {
		return
	}
	delete(m.subs, topic)
	if s.handle != nil {
		if err := s.handle.Unsubscribe(); err != nil {
			m.log.Warn("realtime.unsubscribe.fail", "topic", topic, "err", err)
		}
	}
	m.trace("realtime.unsubscribed", "topic", topic)
}

func (m *Manager) unsubscribeAll() {
	for topic := range m.subs {
		m.unsubscribe(topic)
	}
}

func (m *Manager) removeListener(topic string, id ListenerID) {
	if id == m.switchListener {
		m.switchListener = 0
	}
	s, ok := m.subs[topic]
	if !ok {
		return
	}
	m.detachListener(topic, id)
	if len(s.listeners) == 0 {
		m.unsubscribe(topic)
	}
}

func (m *Manager) detachListener(topic string, id ListenerID) {
	s, ok := m.subs[topic]
	if !ok {
		return
	}
	kept := s.listeners[:0]
	for _, e := range s.listeners {
		if e.id != id {
			kept = append(kept, e)
		}
	}
	s.listeners = kept
}

// dropTransportSubscriptions forgets transport handles after the connection
// died. Listeners stay registered for restoreSubscriptions.
func (m *Manager) dropTransportSubscriptions() {
	for _, s := range m.subs {
		s.handle = nil
	}
}

// restoreSubscriptions reopens every topic that still has listeners on the
// current transport.
func (m *Manager) restoreSubscriptions() {
	for topic, s := range m.subs {
		if len(s.listeners) == 0 {
			delete(m.subs, topic)
			continue
		}
		if s.handle != nil {
			continue
		}
		if err := m.openTransport(s); err != nil {
			m.log.Error("realtime.resubscribe.fail", "topic", topic, "err", err)
			continue
		}
		m.metrics.Resubscribes.Inc()
		m.trace("realtime.resubscribed", "topic", topic)
	}
}

// armPending schedules the parked switch once the connection settled. If the
// transport still is not connected after the settle delay, one retry follows.
func (m *Manager) armPending(gen uint64) {
	p := m.pending
	if p == nil {
		return
	}
	stopTimer(&p.timer)
	p.timer = m.clock.AfterFunc(subscribeSettleDelay, func() {
		m.post(func() { m.firePending(gen, p, false) })
	})
}

func (m *Manager) firePending(gen uint64, p *pendingSwitch, retried bool) {
	if gen != m.gen || m.pending != p {
		return
	}
	p.timer = nil

	if m.client == nil || !m.client.Connected() {
		if !retried {
			m.trace("realtime.switch.retry", "conversation_id", p.conversationID)
			p.timer = m.clock.AfterFunc(subscribeRetryDelay, func() {
				m.post(func() { m.firePending(gen, p, true) })
			})
			return
		}
	}

	if m.subscribeConversation(p.conversationID, p.fn, true) {
		m.pending = nil
	}
}

func (m *Manager) clearPending() {
	if m.pending == nil {
		return
	}
	stopTimer(&m.pending.timer)
	m.pending = nil
}
