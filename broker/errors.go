package broker

import "errors"

var (
	ErrBrokerClosed         = errors.New("broker closed")
	ErrTopicTooLong         = errors.New("topic exceeds configured maximum length")
	ErrTooManySubscriptions = errors.New("client exceeds configured maximum subscriptions")
)
