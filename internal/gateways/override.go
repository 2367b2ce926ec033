package gateway

import "fmt"

const (
	OverrideNone       = ""
	OverrideDevVirtual = "dev-virtual"
	OverrideTestNumber = "test-number"

	SandboxFromNumber = "+15005550006"
	// DefaultDevVirtualNumber receives dev-routed sends when no number is set.
	DefaultDevVirtualNumber = "+18777804236"
	sandboxTag        = "[SANDBOX] "
)

// Delivery is what the gateway will actually send for a requested recipient.
type Delivery struct {
	To       string
	From     string
	Body     string
	Override string
	Sandbox  bool
}

type override struct {
	name   string
	tag    string
	target func(c *Config) string
}

// routing overrides in priority order, the first one with a target wins
var overrides = []override{
	{
		name: OverrideDevVirtual,
		tag:  "[DEV]",
		target: func(c *Config) string {
			if !c.DevRouteAll {
				return ""
			}
			if c.DevVirtualNumber == "" {
				return DefaultDevVirtualNumber
			}
			return c.DevVirtualNumber
		},
	},
	{
		name:   OverrideTestNumber,
		tag:    "[TEST]",
		target: func(c *Config) string { return c.TestNumber },
	},
}

// Resolve applies sandbox tagging and the routing overrides to a send.
func (c *Client) Resolve(to, body string) Delivery {
	d := Delivery{
		To:   to,
		From: c.config.FromNumber,
		Body: body,
	}

	if c.config.SandboxMode {
		d.Sandbox = true
		d.From = SandboxFromNumber
		d.Body = sandboxTag + d.Body
	}

	for _, o := range overrides {
		target := o.target(&c.config)
		if target == "" {
			continue
		}
		d.Override = o.name
		d.To = target
		d.Body = fmt.Sprintf("%s Original: %s\n%s", o.tag, to, d.Body)
		break
	}

	return d
}

// ActiveOverride names the routing override currently in effect, if any.
func (c *Client) ActiveOverride() string {
	for _, o := range overrides {
		if o.target(&c.config) != "" {
			return o.name
		}
	}
	return OverrideNone
}
