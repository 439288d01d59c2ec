package main

import (
	"strings"

	"github.com/juju/errors"
	"github.com/y3sh/capital-sdk-go/client/websocket"
)

// subscriptionsFlag is a pflag.Value collecting --sub flags; every value is
// parsed right away so that typos are reported as flag errors.
type subscriptionsFlag []websocket.StreamSubscription

func (sf *subscriptionsFlag) String() string {
	// pflag may call String on a zero value to print defaults.
	if sf == nil {
		return "[]"
	}

	strs := make([]string, 0, len(*sf))
	for _, sub := range *sf {
		strs = append(strs, sub.String())
	}

	return "[" + strings.Join(strs, ",") + "]"
}

func (sf *subscriptionsFlag) Set(value string) error {
	for _, v := range strings.Split(value, ",") {
		sub, err := websocket.ParseSubscription(strings.TrimSpace(v))
		if err != nil {
			return errors.Trace(err)
		}

		*sf = append(*sf, sub)
	}

	return nil
}

func (sf *subscriptionsFlag) Type() string {
	return "subscription"
}
