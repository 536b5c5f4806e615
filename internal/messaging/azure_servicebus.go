// Package messaging carries outbound partner notifications from the API
// process to the worker over an Azure Service Bus queue.
package messaging

import (
	"context"
	"encoding/json"
	"time"

	"example.com/eduwallet/services/partners/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Handler processes one message body. Returning an error abandons the
// message so Service Bus redelivers it.
type Handler func(ctx context.Context, body []byte) error

// ServiceBus sends to and receives from one queue
type ServiceBus struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
	source    string
}

// NewServiceBus connects to the configured queue. It returns nil without
// error when no connection string is configured.
func NewServiceBus(cfg config.AzureConfig, source string) (*ServiceBus, error) {
	if cfg.QueueConnStr == "" {
		return nil, nil
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &ServiceBus{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
		source:    source,
	}, nil
}

// SendMessage publishes body as JSON
func (s *ServiceBus) SendMessage(ctx context.Context, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message body")
	}

	contentType := "application/json"
	msg := &azservicebus.Message{
		Body:        data,
		ContentType: &contentType,
		ApplicationProperties: map[string]interface{}{
			"source": s.source,
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := s.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrap(err, "failed to send Service Bus message")
	}
	return nil
}

// ProcessMessages receives batches until ctx is cancelled, completing each
// message the handler accepts and abandoning the rest.
func (s *ServiceBus) ProcessMessages(ctx context.Context, handler Handler) error {
	receiver, err := s.client.NewReceiverForQueue(s.queueName, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create Service Bus receiver")
	}
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Str("queue", s.queueName).Msg("Error closing receiver")
		}
	}()

	log.Info().Str("queue", s.queueName).Msg("Receiving Service Bus messages")

	for {
		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
				continue
			}
			log.Error().Err(err).Str("queue", s.queueName).Msg("Error receiving messages")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, message := range messages {
			if err := handler(ctx, message.Body); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error processing message")
				if err := receiver.AbandonMessage(context.Background(), message, nil); err != nil {
					log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to abandon message")
				}
				continue
			}
			if err := receiver.CompleteMessage(context.Background(), message, nil); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to complete message")
			}
		}
	}
}

// Close closes the sender and client
func (s *ServiceBus) Close() error {
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if s.client != nil {
		return s.client.Close(context.Background())
	}
	return nil
}
