package redqueue

import (
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aura-studio/redqueue/heartbeat"
)

const (
	defaultPrefix          = "redqueue"
	defaultRefreshInterval = time.Second
	defaultKeepAliveTTL    = 60 * time.Second
	defaultMaxClaims       = 3
	defaultLockTTL         = 60 * time.Second
	defaultRecoveryBudget  = 59 * time.Second
	defaultPromoteBatch    = 100
	defaultRequeueRepeats  = 3
	defaultRequeueBackoff  = 100 * time.Millisecond
)

type Options struct {
	Prefix           string
	RefreshInterval  time.Duration
	TriggerClient    redis.UniversalClient
	Logger           zerolog.Logger
	Serializer       Serializer
	Heartbeat        heartbeat.Storage
	Shutdown         Shutdown
	MaxItems         int
	DelayedQueues    bool
	KeepAliveTTL     time.Duration
	MaxClaims        int
	WatchdogInterval time.Duration
	DisableWatchdog  bool
	ForkProcess      bool
	LockTTL          time.Duration
	RecoveryBudget   time.Duration
	PromoteBatch     int64
	RequeueRepeats   int
	RequeueBackoff   time.Duration
}

type Option func(*Options)

func defaultOptions() Options {
	return Options{
		Prefix:          defaultPrefix,
		RefreshInterval: defaultRefreshInterval,
		Logger:          zerolog.Nop(),
		Serializer:      JSONSerializer{},
		KeepAliveTTL:    defaultKeepAliveTTL,
		MaxClaims:       defaultMaxClaims,
		LockTTL:         defaultLockTTL,
		RecoveryBudget:  defaultRecoveryBudget,
		PromoteBatch:    defaultPromoteBatch,
		RequeueRepeats:  defaultRequeueRepeats,
		RequeueBackoff:  defaultRequeueBackoff,
	}
}

func buildOptions(cmd redis.Cmdable, opts []Option) Options {
	opt := defaultOptions()
	for _, fn := range opts {
		if fn != nil {
			fn(&opt)
		}
	}
	if opt.TriggerClient == nil {
		if uc, ok := cmd.(redis.UniversalClient); ok {
			opt.TriggerClient = uc
		}
	}
	if opt.Prefix == "" {
		opt.Prefix = defaultPrefix
	}
	if opt.RefreshInterval < 0 {
		opt.RefreshInterval = 0
	}
	if opt.Serializer == nil {
		opt.Serializer = JSONSerializer{}
	}
	if opt.KeepAliveTTL <= 0 {
		opt.KeepAliveTTL = defaultKeepAliveTTL
	}
	if opt.MaxClaims < 0 {
		opt.MaxClaims = defaultMaxClaims
	}
	if opt.LockTTL <= 0 {
		opt.LockTTL = defaultLockTTL
	}
	if opt.RecoveryBudget <= 0 {
		opt.RecoveryBudget = defaultRecoveryBudget
	}
	if opt.PromoteBatch <= 0 {
		opt.PromoteBatch = defaultPromoteBatch
	}
	return opt
}

// WithPrefix sets the prefix of the PubSub event channel.
func WithPrefix(prefix string) Option {
	return func(o *Options) { o.Prefix = prefix }
}

// WithRefreshInterval sets how long an idle worker waits before polling again.
// 0 disables sleeping (busy polling).
func WithRefreshInterval(d time.Duration) Option {
	return func(o *Options) { o.RefreshInterval = d }
}

// WithTriggerClient enables PubSub triggers.
// It must be a go-redis/v9 client that supports Subscribe (e.g. *redis.Client or *redis.ClusterClient).
func WithTriggerClient(c redis.UniversalClient) Option {
	return func(o *Options) { o.TriggerClient = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func WithSerializer(s Serializer) Option {
	return func(o *Options) { o.Serializer = s }
}

// WithHeartbeat enables process pings and the operator kill flag.
func WithHeartbeat(s heartbeat.Storage) Option {
	return func(o *Options) { o.Heartbeat = s }
}

func WithShutdown(s Shutdown) Option {
	return func(o *Options) { o.Shutdown = s }
}

// WithMaxItems stops Wait after n processed messages. 0 means unlimited.
func WithMaxItems(n int) Option {
	return func(o *Options) { o.MaxItems = n }
}

// WithDelayedQueues stores messages with a future ExecuteAt in
// "<queue>[delayed]" until they are due. The stream driver always does this.
func WithDelayedQueues() Option {
	return func(o *Options) { o.DelayedQueues = true }
}

// WithKeepAliveTTL sets the agent key TTL of the stream driver.
func WithKeepAliveTTL(d time.Duration) Option {
	return func(o *Options) { o.KeepAliveTTL = d }
}

// WithMaxClaims sets how many times a stuck stream entry may be delivered
// before it is discarded.
func WithMaxClaims(n int) Option {
	return func(o *Options) { o.MaxClaims = n }
}

// WithWatchdogInterval overrides how often ownership is refreshed while a
// callback runs. It must be shorter than the keep-alive TTL.
func WithWatchdogInterval(d time.Duration) Option {
	return func(o *Options) { o.WatchdogInterval = d }
}

// WithoutWatchdog records ownership only at callback start and end.
func WithoutWatchdog() Option {
	return func(o *Options) { o.DisableWatchdog = true }
}

func WithForkProcess(enabled bool) Option {
	return func(o *Options) { o.ForkProcess = enabled }
}

// WithLockTTL sets the TTL of maintenance locks.
func WithLockTTL(d time.Duration) Option {
	return func(o *Options) { o.LockTTL = d }
}

// WithRecoveryBudget bounds how long one orphan recovery scan may run.
func WithRecoveryBudget(d time.Duration) Option {
	return func(o *Options) { o.RecoveryBudget = d }
}
