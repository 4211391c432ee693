package xsbus

import (
	"context"
)

// SubscribeTo asks the publisher that owns messageType (resolved through the
// router) to send future publications of it to this bus's input queue.
func (b *Bus) SubscribeTo(ctx context.Context, messageType string) error {
	publisher, err := b.router.EndpointFor(messageType)
	if err != nil {
		return err
	}
	return b.SubscribeAtEndpoint(ctx, publisher, messageType)
}

// SubscribeAtEndpoint sends the subscription request to publisher directly.
func (b *Bus) SubscribeAtEndpoint(ctx context.Context, publisher Endpoint, messageType string) error {
	return b.SendTo(ctx, publisher, SubscriptionRequest{MessageType: messageType})
}

// UnsubscribeFrom withdraws a subscription made with SubscribeTo.
func (b *Bus) UnsubscribeFrom(ctx context.Context, messageType string) error {
	publisher, err := b.router.EndpointFor(messageType)
	if err != nil {
		return err
	}
	return b.UnsubscribeAtEndpoint(ctx, publisher, messageType)
}

// UnsubscribeAtEndpoint sends the unsubscription request to publisher directly.
func (b *Bus) UnsubscribeAtEndpoint(ctx context.Context, publisher Endpoint, messageType string) error {
	return b.SendTo(ctx, publisher, UnsubscriptionRequest{MessageType: messageType})
}

// Subscribe subscribes b to messages of type T at their routed publisher.
func Subscribe[T any](ctx context.Context, b *Bus) error {
	return b.SubscribeTo(ctx, TypeNameOf[T]())
}

// SubscribeAt subscribes b to messages of type T at publisher.
func SubscribeAt[T any](ctx context.Context, b *Bus, publisher Endpoint) error {
	return b.SubscribeAtEndpoint(ctx, publisher, TypeNameOf[T]())
}

func Unsubscribe[T any](ctx context.Context, b *Bus) error {
	return b.UnsubscribeFrom(ctx, TypeNameOf[T]())
}

func UnsubscribeAt[T any](ctx context.Context, b *Bus, publisher Endpoint) error {
	return b.UnsubscribeAtEndpoint(ctx, publisher, TypeNameOf[T]())
}

// Subscribers lists the endpoints currently subscribed to messageType on this bus.
func (b *Bus) Subscribers(ctx context.Context, messageType string) ([]Endpoint, error) {
	return b.subscriptions.Subscribers(ctx, messageType)
}
