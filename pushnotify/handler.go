// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package pushnotify

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/swarmsync/instrument"
	"github.com/katzenpost/swarmsync/namespace"
)

// errDropped marks a notification that was deliberately not processed.
var errDropped = errors.New("pushnotify: notification dropped")

// ReceiveJob is a decoded message queued for processing.
type ReceiveJob struct {
	// Data is the plaintext message envelope.
	Data []byte

	// ServerHash is the message's swarm hash, empty for legacy
	// notifications.
	ServerHash string

	// Namespace is where the message was stored.
	Namespace namespace.Namespace

	// GroupID is set for closed group messages.
	GroupID string
}

// Pipeline processes received messages asynchronously.
type Pipeline interface {
	Enqueue(ctx context.Context, job *ReceiveJob) error
}

// GroupDecrypter opens closed group messages with the group's current
// keys.
type GroupDecrypter interface {
	DecryptGroupMessage(groupID string, data []byte) ([]byte, error)
}

// Unwrapper removes the outer encryption of a direct message.
type Unwrapper interface {
	Unwrap(data []byte) ([]byte, error)
}

// Notifier shows user notifications.
type Notifier interface {
	// ShowGeneric shows a "new message" notification without a preview.
	ShowGeneric()
}

// Handler routes decoded notifications to the receive pipeline.
type Handler struct {
	log      *logging.Logger
	decoder  *Decoder
	groups   GroupDecrypter
	unwrap   Unwrapper
	pipeline Pipeline
	notifier Notifier
}

// NewHandler returns a Handler.
func NewHandler(log *logging.Logger, decoder *Decoder, groups GroupDecrypter, unwrap Unwrapper, pipeline Pipeline, notifier Notifier) *Handler {
	return &Handler{
		log:      log,
		decoder:  decoder,
		groups:   groups,
		unwrap:   unwrap,
		pipeline: pipeline,
		notifier: notifier,
	}
}

// Handle processes one push notification. Whenever the message cannot be
// processed the user gets a generic notification instead, Handle never
// panics.
func (h *Handler) Handle(ctx context.Context, payload map[string]string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pushnotify: handler panicked: %v", r)
			h.log.Errorf("%v\n%s", err, debug.Stack())
		}
		switch {
		case err == nil:
		case errors.Is(err, errDropped):
			err = nil
		default:
			h.log.Warningf("Failed to process push notification: %v", err)
			h.notifier.ShowGeneric()
		}
	}()

	n, err := h.decoder.Decode(payload)
	format := "encrypted"
	if _, ok := payload[EncPayloadKey]; !ok {
		format = "legacy"
	}
	instrument.PushNotification(format, err == nil)
	if err != nil {
		return err
	}

	job, err := h.route(n)
	if err != nil {
		return err
	}
	return h.pipeline.Enqueue(ctx, job)
}

func (h *Handler) route(n *Notification) (*ReceiveJob, error) {
	if n.Legacy() {
		data, err := h.unwrap.Unwrap(n.Content)
		if err != nil {
			return nil, fmt.Errorf("pushnotify: failed to unwrap legacy message: %w", err)
		}
		return &ReceiveJob{Data: data, Namespace: namespace.Default}, nil
	}

	md := n.Metadata
	if n.Content == nil {
		// TODO: fetch withheld messages from the swarm by hash.
		h.log.Infof("Message %v is too long to be carried in a notification", md.MsgHash)
		return nil, fmt.Errorf("pushnotify: message %v was withheld", md.MsgHash)
	}

	switch md.Namespace {
	case namespace.ClosedGroupMessages:
		data, err := h.groups.DecryptGroupMessage(md.Account, n.Content)
		if err != nil {
			return nil, fmt.Errorf("pushnotify: failed to decrypt message for group %v: %w", md.Account, err)
		}
		return &ReceiveJob{
			Data:       data,
			ServerHash: md.MsgHash,
			Namespace:  md.Namespace,
			GroupID:    md.Account,
		}, nil
	case namespace.Default:
		data, err := h.unwrap.Unwrap(n.Content)
		if err != nil {
			return nil, fmt.Errorf("pushnotify: failed to unwrap message: %w", err)
		}
		return &ReceiveJob{
			Data:       data,
			ServerHash: md.MsgHash,
			Namespace:  md.Namespace,
		}, nil
	default:
		h.log.Noticef("Dropping notification for unhandled namespace %v", md.Namespace)
		return nil, errDropped
	}
}
