// Package notify announces inbox activity to other services.
//
// Envelopes carry a Meta block (id, producer, time, type) and a typed
// payload. The AMQP publisher writes them to a durable topic exchange;
// consumers bind with patterns such as inbox.*.message.inbound.
package notify
