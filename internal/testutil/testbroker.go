package testutil

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/zhejian/shorturl/internal/infra"
)

// TestBroker holds test RabbitMQ resources
type TestBroker struct {
	Conn      *amqp.Connection
	URL       string
	container *rabbitmq.RabbitMQContainer
}

// SetupTestBroker starts a RabbitMQ container and dials it
func SetupTestBroker(ctx context.Context) (*TestBroker, error) {
	container, err := rabbitmq.Run(ctx, "rabbitmq:3.13-alpine")
	if err != nil {
		return nil, err
	}

	url, err := container.AmqpURL(ctx)
	if err != nil {
		if terr := container.Terminate(ctx); terr != nil {
			err = terr
		}
		return nil, err
	}

	conn, err := infra.NewBrokerConnection(url)
	if err != nil {
		if terr := container.Terminate(ctx); terr != nil {
			err = terr
		}
		return nil, err
	}

	return &TestBroker{Conn: conn, URL: url, container: container}, nil
}

// Teardown closes the connection and terminates container
func (t *TestBroker) Teardown(ctx context.Context) {
	if t.Conn != nil {
		t.Conn.Close()
	}
	if t.container != nil {
		if err := t.container.Terminate(ctx); err != nil {
			return
		}
	}
}
