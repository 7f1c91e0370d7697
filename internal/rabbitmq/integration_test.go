//go:build integration
// +build integration

package rabbitmq_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/glimte/mmate-agents/internal/rabbitmq"
)

// setupRabbitMQ starts a RabbitMQ container and returns its AMQP URL
func setupRabbitMQ(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3-management-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start RabbitMQ container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate RabbitMQ container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)

	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func TestSupervisorIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := setupRabbitMQ(t)

	sup := rabbitmq.NewSupervisor(url,
		rabbitmq.WithReconnectDelay(time.Second),
		rabbitmq.WithLogger(quietLogger()))

	received := make(chan string, 1)
	go func() {
		_ = sup.Run(context.Background(), func(ctx context.Context, sess *rabbitmq.Session) error {
			b := sess.Binding()
			if err := (rabbitmq.WorkQueue{Name: "integration-work", DeadLetter: true}).Declare(b); err != nil {
				return err
			}
			if err := b.SetPrefetch(1); err != nil {
				return err
			}
			deliveries, err := b.Consume("integration-work", rabbitmq.ManualAck)
			if err != nil {
				return err
			}
			if err := b.Publish(ctx, "integration-work", []byte("ping"), rabbitmq.PublishOptions{Persistent: true}); err != nil {
				return err
			}
			sess.MarkReady()

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-sess.Done():
					return sess.Err()
				case d, ok := <-deliveries:
					if !ok {
						return rabbitmq.ErrDeliveriesClosed
					}
					if err := d.Ack(false); err != nil {
						return err
					}
					received <- string(d.Body)
				}
			}
		})
	}()
	defer sup.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, sup.WaitReady(ctx))

	select {
	case body := <-received:
		assert.Equal(t, "ping", body)
	case <-ctx.Done():
		t.Fatal("message not received")
	}
}
