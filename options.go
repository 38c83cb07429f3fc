package peeklock

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/utils/ptr"
)

const envPrefix = "PEEKLOCK"

// Options is the command line and environment surface for a pump. Every
// flag can also be set as PEEKLOCK_<FLAG>, e.g. PEEKLOCK_AUTO_COMPLETE.
type Options struct {
	AutoComplete bool

	// MaxAutoRenewSeconds is the renewal budget in seconds, -1 leaves it unset.
	MaxAutoRenewSeconds int

	MaxConcurrentCalls int
	PollInterval       time.Duration
	OperationTimeout   time.Duration
}

func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.BoolVar(&o.AutoComplete, "auto-complete", true, "Complete messages whose handler returned without error")
	f.IntVar(&o.MaxAutoRenewSeconds, "max-auto-renew-duration", 300, "Seconds a message lock is kept alive by automatic renewal, 0 disables renewal and -1 removes the limit")
	f.IntVar(&o.MaxConcurrentCalls, "max-concurrent-calls", 1, "Number of messages handled at the same time")
	f.DurationVar(&o.PollInterval, "poll-interval", time.Second, "Delay between receive attempts on an empty queue")
	f.DurationVar(&o.OperationTimeout, "operation-timeout", defaultOperationTimeout, "Timeout for each renew and settle call")
}

// LoadOptions reads options from flags registered with AddFlags, letting
// PEEKLOCK_* environment variables fill in flags that were not set.
func LoadOptions(flags *pflag.FlagSet) (*Options, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	o := &Options{
		AutoComplete:        v.GetBool("auto-complete"),
		MaxAutoRenewSeconds: v.GetInt("max-auto-renew-duration"),
		MaxConcurrentCalls:  v.GetInt("max-concurrent-calls"),
		PollInterval:        v.GetDuration("poll-interval"),
		OperationTimeout:    v.GetDuration("operation-timeout"),
	}

	if _, err := o.ReceiveOptions(); err != nil {
		return nil, err
	}

	if o.OperationTimeout <= 0 {
		return nil, &ConfigurationError{Field: "operation-timeout", Reason: "must be positive"}
	}

	return o, nil
}

// ReceiveOptions converts the flag values into what Pump.Receive takes.
func (o *Options) ReceiveOptions() (ReceiveOptions, error) {
	opts := ReceiveOptions{
		AutoComplete:       o.AutoComplete,
		MaxConcurrentCalls: o.MaxConcurrentCalls,
		PollInterval:       o.PollInterval,
	}

	switch {
	case o.MaxAutoRenewSeconds == -1:
	case o.MaxAutoRenewSeconds < 0:
		return ReceiveOptions{}, &ConfigurationError{Field: "max-auto-renew-duration", Reason: "must be -1 or at least 0"}
	default:
		opts.MaxAutoRenewDuration = ptr.To(time.Duration(o.MaxAutoRenewSeconds) * time.Second)
	}

	if err := opts.validate(); err != nil {
		return ReceiveOptions{}, err
	}

	return opts, nil
}
