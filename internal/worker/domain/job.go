package domain

import amqp "github.com/rabbitmq/amqp091-go"

// JobMessage is a parsed delivery handed from the dispatcher to the pool
type JobMessage struct {
	JobID    string        `json:"job_id"`
	Delivery amqp.Delivery `json:"-"`
}
