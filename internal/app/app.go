package app

import (
	"context"
	"strings"
	"time"

	"github.com/Keralin/WodSniper/internal/config"
	"github.com/Keralin/WodSniper/internal/detector"
	"github.com/Keralin/WodSniper/internal/notify"
	"github.com/Keralin/WodSniper/internal/orchestrator"
	"github.com/Keralin/WodSniper/internal/refresher"
	rtsup "github.com/Keralin/WodSniper/internal/runtime/supervisor"
	"github.com/Keralin/WodSniper/internal/secrets"
	"github.com/Keralin/WodSniper/internal/storage"
	"github.com/Keralin/WodSniper/internal/wodbuster"
	logx "github.com/Keralin/WodSniper/pkg/logx"
)

// App wires the daemon together: config, logging, storage, the window
// detector and its refresh/booking triggers, and the notification pipeline.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	cipher *secrets.Cipher

	telegram *notify.Telegram
	notif    *notify.Service

	refresher *refresher.Service
	orch      *orchestrator.Service
	detector  *detector.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	cipher, err := secrets.New(cfg.Secrets.Key)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	// Telegram is optional: without a token the daemon still books, it just
	// can't tell anyone about it.
	var telegram *notify.Telegram
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tgCfg, err := mapTelegramConfig(cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		telegram, err = notify.NewTelegram(tgCfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		if cfg.Telegram.LogChatID != 0 {
			logSvc.SetSender(telegram.LogSender(cfg.Telegram.LogChatID))
		}
	}

	notifCfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if telegram == nil {
		notifCfg.Enabled = false
	}
	var sender notify.Sender
	if telegram != nil {
		sender = telegram
	}
	notifSvc := notify.New(notifCfg, sender, store,
		logSvc.Logger().With(logx.String("comp", "notify")))

	factory := clientFactory(cfg, logSvc.Logger().With(logx.String("comp", "wodbuster")))

	refCfg, err := mapRefresherConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	refSvc := refresher.New(refCfg, store, cipher,
		func(gym storage.Gym) (refresher.Client, error) { return factory(gym) },
		logSvc.Logger())

	bookCfg, err := mapBookingConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	orchSvc := orchestrator.New(bookCfg, store, cipher,
		func(gym storage.Gym) (orchestrator.Client, error) { return factory(gym) },
		notifSvc, logSvc.Logger())

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		store:     store,
		cipher:    cipher,
		telegram:  telegram,
		notif:     notifSvc,
		refresher: refSvc,
		orch:      orchSvc,
	}, nil
}

// clientFactory builds one upstream client per call. Clients hold per-user
// cookie jars and must never be shared.
func clientFactory(cfg *config.Config, log logx.Logger) func(storage.Gym) (*wodbuster.Client, error) {
	return func(gym storage.Gym) (*wodbuster.Client, error) {
		wbCfg, err := mapWodBusterConfig(cfg, gym.URL)
		if err != nil {
			return nil, err
		}
		return wodbuster.New(wbCfg, log)
	}
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
	)

	detCfg, err := mapDetectorConfig(cfg)
	if err != nil {
		return err
	}
	a.detector = detector.New(detCfg, a.store, detector.Triggers{
		Refresh: func(ctx context.Context, gym storage.Gym, openAt time.Time) {
			a.refresher.RefreshGym(ctx, gym)
		},
		Book: func(ctx context.Context, gym storage.Gym, openAt time.Time) {
			a.orch.Run(ctx, gym, openAt)
		},
	}, a.sup, a.logs.Logger())

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	if cfg.Detector.Enabled {
		if err := a.detector.Start(); err != nil {
			return err
		}
	} else {
		a.log.Warn("window detector disabled; no bookings will fire")
	}

	// Hot reload: the watcher publishes validated configs, the loop applies
	// the sections that can change at runtime.
	a.sup.Go("config.watch", a.cfgm.Watch)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(last, newCfg)
				last = newCfg
			}
		}
	})

	a.log.Info("started",
		logx.Bool("detector", cfg.Detector.Enabled),
		logx.Bool("telegram", a.telegram != nil))
	return nil
}

func (a *App) applyReload(prev, cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.logs.Apply(mapLoggingConfig(cfg))
	if a.telegram != nil {
		if cfg.Telegram.LogChatID != 0 {
			a.logs.SetSender(a.telegram.LogSender(cfg.Telegram.LogChatID))
		} else {
			a.logs.SetSender(nil)
		}
	}

	if notifCfg, err := mapNotifierConfig(cfg); err == nil {
		if a.telegram == nil {
			notifCfg.Enabled = false
		}
		a.notif.Apply(notifCfg)
	} else {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	}

	if prev != nil && prev.Storage.Path != cfg.Storage.Path {
		a.log.Warn("storage path changed; restart required")
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.detector != nil {
		a.detector.Stop()
	}
	if a.notif != nil {
		a.notif.Stop(ctx)
	}

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
