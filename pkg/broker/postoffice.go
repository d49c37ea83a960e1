// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/turtacn/mqtt-postoffice/pkg/auth"
	"github.com/turtacn/mqtt-postoffice/pkg/interceptor"
	"github.com/turtacn/mqtt-postoffice/pkg/logger"
	"github.com/turtacn/mqtt-postoffice/pkg/message"
	"github.com/turtacn/mqtt-postoffice/pkg/metrics"
	"github.com/turtacn/mqtt-postoffice/pkg/protocol/mqtt"
	"github.com/turtacn/mqtt-postoffice/pkg/retainer"
	"github.com/turtacn/mqtt-postoffice/pkg/session"
	"github.com/turtacn/mqtt-postoffice/pkg/topic"
)

var (
	// ErrSubscribeDenied is returned when the policy refuses a filter.
	ErrSubscribeDenied = errors.New("broker: subscription not authorized")
	// ErrInvalidQoS is returned for QoS values above 2.
	ErrInvalidQoS = errors.New("broker: invalid qos")
)

// PostOffice routes messages between sessions. It owns none of the state it
// touches: subscriptions live in the directory, sessions in the registry and
// retained messages in the retainer.
type PostOffice struct {
	dir      *topic.Directory
	retained *retainer.Retainer
	sessions *session.Registry
	authz    auth.Authorizer
	events   *interceptor.Chain
	logger   *slog.Logger
}

// NewPostOffice wires a post office. A nil authorizer permits everything and
// a nil chain disables events.
func NewPostOffice(dir *topic.Directory, retained *retainer.Retainer, sessions *session.Registry,
	authz auth.Authorizer, events *interceptor.Chain, log *slog.Logger) *PostOffice {
	if authz == nil {
		authz = auth.PermitAll{}
	}
	return &PostOffice{
		dir:      dir,
		retained: retained,
		sessions: sessions,
		authz:    authz,
		events:   events,
		logger:   logger.OrDefault(log).With("component", "postoffice"),
	}
}

// Publish routes a message from publisherID after checking that the client
// may write to the topic. Denied publishes are dropped silently and reported
// as PublishDenied events.
func (p *PostOffice) Publish(ctx context.Context, msg message.Message, publisherID string) error {
	if !p.authz.Authorize(publisherID, msg.Topic, auth.Write) {
		metrics.MessagesDropped.WithLabelValues(metrics.DropNotAuthorized).Inc()
		p.logger.Debug("publish denied", logger.KeyClientID, publisherID, logger.KeyTopic, msg.Topic)
		p.notify(interceptor.Event{
			Kind:     interceptor.PublishDenied,
			ClientID: publisherID,
			Topic:    msg.Topic,
			Payload:  msg.Payload,
			QoS:      msg.QoS,
			Retain:   msg.Retain,
		})
		return nil
	}
	if msg.Origin == "" {
		msg.Origin = publisherID
	}
	return p.route(ctx, msg)
}

// InternalPublish routes a broker-originated message without authorization.
func (p *PostOffice) InternalPublish(ctx context.Context, msg message.Message) error {
	return p.route(ctx, msg)
}

func (p *PostOffice) route(ctx context.Context, msg message.Message) error {
	if err := topic.ValidateName(msg.Topic); err != nil {
		return fmt.Errorf("broker: publish: %w", err)
	}
	if !message.ValidQoS(msg.QoS) {
		return fmt.Errorf("%w: %d", ErrInvalidQoS, msg.QoS)
	}
	if msg.Created.IsZero() {
		msg.Created = time.Now()
	}
	metrics.MessagesPublished.Inc()
	defer p.notify(interceptor.Event{
		Kind:     interceptor.Publish,
		ClientID: msg.Origin,
		Topic:    msg.Topic,
		Payload:  msg.Payload,
		QoS:      msg.QoS,
		Retain:   msg.Retain,
	})

	if msg.Retain {
		if err := p.retained.Store(msg); err != nil {
			p.logger.Warn("retained message rejected", logger.KeyTopic, msg.Topic, logger.Err(err))
		}
		if msg.IsClear() && p.retained.Config().StopPublishClearMsg {
			return nil
		}
	}

	live := msg.WithRetain(false)
	for _, sub := range collapse(p.dir.Match(msg.Topic)) {
		if !p.authz.Authorize(sub.ClientID, msg.Topic, auth.Read) {
			metrics.MessagesDropped.WithLabelValues(metrics.DropNotAuthorized).Inc()
			continue
		}
		sess, ok := p.sessions.Lookup(sub.ClientID)
		if !ok {
			continue
		}
		out := live.WithDelivery(message.MinQoS(sub.QoS, msg.QoS), 0)
		if err := sess.Deliver(ctx, out); err != nil && !errors.Is(err, session.ErrSessionClosed) {
			p.logger.Debug("delivery failed",
				logger.KeyClientID, sub.ClientID,
				logger.KeyTopic, msg.Topic,
				logger.Err(err))
		}
	}
	return nil
}

// collapse keeps one subscription per client, the one with the highest QoS,
// in first-seen order.
func collapse(subs []topic.Subscription) []topic.Subscription {
	if len(subs) < 2 {
		return subs
	}
	index := make(map[string]int, len(subs))
	out := subs[:0:0]
	for _, s := range subs {
		if i, ok := index[s.ClientID]; ok {
			if s.QoS > out[i].QoS {
				out[i] = s
			}
			continue
		}
		index[s.ClientID] = len(out)
		out = append(out, s)
	}
	return out
}

// Subscribe adds a subscription and delivers the matching retained messages.
// A filter refused by the policy is granted mqtt.SubackFailure without an
// error; invalid filters return the failure code and an error.
func (p *PostOffice) Subscribe(ctx context.Context, clientID, filter string, qos byte) (byte, error) {
	granted, err := p.AddSubscription(ctx, clientID, filter, qos)
	if errors.Is(err, ErrSubscribeDenied) {
		return mqtt.SubackFailure, nil
	}
	if err != nil {
		return mqtt.SubackFailure, err
	}
	p.DeliverRetained(ctx, clientID, filter, granted)
	return granted, nil
}

// AddSubscription records filter for clientID in the directory and on the
// session, returning the granted QoS.
func (p *PostOffice) AddSubscription(_ context.Context, clientID, filter string, qos byte) (byte, error) {
	if err := topic.ValidateFilter(filter); err != nil {
		return mqtt.SubackFailure, err
	}
	if !message.ValidQoS(qos) {
		return mqtt.SubackFailure, fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	if !p.authz.Authorize(clientID, filter, auth.Read) {
		return mqtt.SubackFailure, fmt.Errorf("%w: %s", ErrSubscribeDenied, filter)
	}
	sess, ok := p.sessions.Lookup(clientID)
	if !ok {
		return mqtt.SubackFailure, session.ErrNotConnected
	}

	err := sess.Subscribe(filter, qos, func() error {
		_, err := p.dir.Add(topic.Subscription{ClientID: clientID, Filter: filter, QoS: qos})
		return err
	})
	if err != nil {
		return mqtt.SubackFailure, err
	}
	metrics.Subscriptions.Set(float64(p.dir.Len()))
	p.notify(interceptor.Event{
		Kind:     interceptor.Subscribe,
		ClientID: clientID,
		Topic:    filter,
		QoS:      qos,
	})
	return qos, nil
}

// DeliverRetained sends the retained messages matching filter to clientID at
// most at qos. It returns how many were handed to the session.
func (p *PostOffice) DeliverRetained(ctx context.Context, clientID, filter string, qos byte) int {
	sess, ok := p.sessions.Lookup(clientID)
	if !ok {
		return 0
	}
	n := 0
	for _, msg := range p.retained.Match(filter) {
		if !p.authz.Authorize(clientID, msg.Topic, auth.Read) {
			continue
		}
		out := msg.WithDelivery(message.MinQoS(qos, msg.QoS), 0).WithRetain(true)
		if err := sess.Deliver(ctx, out); err != nil {
			p.logger.Debug("retained delivery stopped", logger.KeyClientID, clientID, logger.Err(err))
			break
		}
		n++
	}
	return n
}

// Unsubscribe removes filter for clientID and reports whether it existed.
func (p *PostOffice) Unsubscribe(_ context.Context, clientID, filter string) bool {
	remove := func() bool { return p.dir.Remove(clientID, filter) }
	var removed bool
	if sess, ok := p.sessions.Lookup(clientID); ok {
		removed = sess.Unsubscribe(filter, remove)
	} else {
		removed = remove()
	}
	if !removed {
		return false
	}
	metrics.Subscriptions.Set(float64(p.dir.Len()))
	p.notify(interceptor.Event{Kind: interceptor.Unsubscribe, ClientID: clientID, Topic: filter})
	return true
}

// Acknowledge handles PUBACK for a QoS 1 delivery.
func (p *PostOffice) Acknowledge(clientID string, packetID uint16) bool {
	sess, ok := p.sessions.Lookup(clientID)
	if !ok {
		return false
	}
	msg, ok := sess.Acknowledge(packetID)
	if ok {
		p.delivered(clientID, msg)
	}
	return ok
}

// Received handles PUBREC. The caller always answers with PUBREL, so a
// repeated PUBREC only re-sends PUBREL.
func (p *PostOffice) Received(clientID string, packetID uint16) bool {
	sess, ok := p.sessions.Lookup(clientID)
	if !ok {
		return false
	}
	return sess.Received(packetID)
}

// Complete handles PUBCOMP for a QoS 2 delivery.
func (p *PostOffice) Complete(clientID string, packetID uint16) bool {
	sess, ok := p.sessions.Lookup(clientID)
	if !ok {
		return false
	}
	msg, ok := sess.Complete(packetID)
	if ok {
		p.delivered(clientID, msg)
	}
	return ok
}

// PublishWill publishes will on behalf of clientID. It implements
// session.WillPublisher.
func (p *PostOffice) PublishWill(clientID string, will session.Will) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := p.Publish(ctx, will.Message(clientID), clientID); err != nil {
		p.logger.Warn("will not published", logger.KeyClientID, clientID, logger.Err(err))
		return
	}
	p.logger.Debug("will published", logger.KeyClientID, clientID, logger.KeyTopic, will.Topic)
}

func (p *PostOffice) delivered(clientID string, msg message.Message) {
	p.notify(interceptor.Event{
		Kind:     interceptor.Delivered,
		ClientID: clientID,
		Topic:    msg.Topic,
		Payload:  msg.Payload,
		QoS:      msg.QoS,
		PacketID: msg.PacketID,
	})
}

func (p *PostOffice) notify(ev interceptor.Event) {
	if p.events != nil {
		p.events.Notify(ev)
	}
}
