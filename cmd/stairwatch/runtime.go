package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"stairwatch/internal/clock"
	"stairwatch/internal/config"
	"stairwatch/internal/feedback"
	"stairwatch/internal/monitor"
	"stairwatch/internal/mqtt"
	"stairwatch/internal/replay"
	"stairwatch/internal/sensor"
	"stairwatch/internal/sim"
	"stairwatch/internal/stairs"
	"stairwatch/internal/udp"
	"stairwatch/internal/web"
)

type runtime struct {
	cfg config.Config
	log *slog.Logger

	source   sensor.Source
	trigger  sensor.Trigger
	monitor  *monitor.Service
	feedback *feedback.Service
	mqtt     *mqtt.Publisher
	udp      *udp.Broadcaster
	recorder *replay.Writer

	status *web.Status
	diag   *web.DiagBroadcaster
	logs   *web.LogBuffer
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger, logs *web.LogBuffer) error {
	r, err := newRuntime(cfg, clock.Real{}, log, logs)
	if err != nil {
		return err
	}
	defer r.Close()
	return r.Run(ctx)
}

func newRuntime(cfg config.Config, clk clock.Clock, log *slog.Logger, logs *web.LogBuffer) (*runtime, error) {
	r := &runtime{
		cfg:    cfg,
		log:    log,
		status: web.NewStatus(),
		diag:   web.NewDiagBroadcaster(cfg.Web.StreamInterval),
		logs:   logs,
	}

	src, err := newSource(cfg.Source, clk, log)
	if err != nil {
		return nil, err
	}
	r.source = src
	r.trigger, err = newTrigger(cfg.SigMotion, src.Capabilities())
	if err != nil {
		return nil, err
	}

	var sinks []monitor.Sink
	if cfg.Feedback.Enable {
		r.feedback = feedback.New(feedback.Config{
			Enable:      true,
			Driver:      cfg.Feedback.Driver,
			Pin:         cfg.Feedback.Pin,
			PWMChannel:  cfg.Feedback.PWMChannel,
			FrequencyHz: cfg.Feedback.FrequencyHz,
			MaxDuration: cfg.Feedback.MaxDuration,
			Clock:       clk,
			Logger:      log,
		})
		sinks = append(sinks, r.feedback)
		r.status.AddComponent("feedback", func() any { return r.feedback.Snapshot() })
	}
	if cfg.MQTT.Enable {
		p, err := mqtt.New(mqtt.Config{
			Broker:        cfg.MQTT.Broker,
			ClientID:      cfg.MQTT.ClientID,
			Username:      cfg.MQTT.Username,
			Password:      cfg.MQTT.Password,
			TopicPrefix:   cfg.MQTT.TopicPrefix,
			QoS:           byte(cfg.MQTT.QoS),
			Episodes:      cfg.MQTT.Episodes,
			Timeout:       cfg.MQTT.Timeout,
			RetryInterval: cfg.MQTT.RetryInterval,
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
		r.mqtt = p
		sinks = append(sinks, p)
		r.status.AddComponent("mqtt", func() any { return p.Stats() })
	}
	if cfg.UDP.Enable {
		b, err := udp.NewBroadcaster(cfg.UDP.Dest)
		if err != nil {
			return nil, err
		}
		r.udp = b
		es := udp.NewEventSink(b, udp.SinkConfig{Episodes: cfg.UDP.Episodes, Logger: log})
		sinks = append(sinks, es)
		r.status.AddComponent("udp", func() any {
			sent, failed := es.Stats()
			return map[string]any{"dest": b.Dest(), "sent": sent, "failed": failed}
		})
	}

	var onReading func(sensor.Reading)
	if cfg.Record.Enable {
		w, err := replay.CreateWriter(cfg.Record.Path)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.recorder = w
		onReading = r.record
		log.Info("recording readings", "path", cfg.Record.Path)
	}

	r.monitor = monitor.New(monitor.Config{
		Detector:      cfg.StairsConfig(),
		Source:        src,
		Trigger:       r.trigger,
		Sinks:         sinks,
		OnReading:     onReading,
		OnDiagnostics: r.diag.Publish,
		Clock:         clk,
		Logger:        log,
	})
	r.status.SetSource(cfg.Source.Kind)
	r.status.SetMonitor(r.monitor.Snapshot)
	return r, nil
}

// Run blocks until ctx is done or the monitor stops. The monitor ending
// (source exhausted, fatal error) takes everything else down with it.
func (r *runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if r.feedback != nil {
		// A broken actuator should not stop counting.
		if err := r.feedback.Start(gctx); err != nil {
			r.log.Warn("feedback init failed", "err", err)
		}
	}
	if r.mqtt != nil {
		g.Go(func() error {
			if err := r.mqtt.Run(gctx); err != nil {
				r.log.Warn("mqtt stopped", "err", err)
			}
			return nil
		})
	}
	if r.cfg.Web.Enable {
		h := web.Handler(web.Options{
			Status: r.status,
			Logs:   r.logs,
			Diag:   r.diag,
			Reset:  r.monitor,
			Logger: r.log,
		})
		g.Go(func() error { return web.Serve(gctx, r.cfg.Web.Listen, h) })
		r.log.Info("web listening", "addr", r.cfg.Web.Listen)
	}
	g.Go(func() error {
		defer cancel()
		return r.monitor.Run(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *runtime) record(rd sensor.Reading) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.WriteReading(rd); err != nil {
		r.log.Error("recording failed; disabled", "err", err)
		_ = r.recorder.Close()
		r.recorder = nil
	}
}

func (r *runtime) Close() {
	if r.monitor != nil {
		r.monitor.Close()
	}
	if r.trigger != nil {
		r.trigger.Close()
	}
	if r.feedback != nil {
		r.feedback.Close()
	}
	if r.udp != nil {
		_ = r.udp.Close()
		r.udp = nil
	}
	if r.recorder != nil {
		if err := r.recorder.Close(); err != nil {
			r.log.Warn("closing recording", "err", err)
		}
		r.recorder = nil
	}
}

func newSource(c config.SourceConfig, clk clock.Clock, log *slog.Logger) (sensor.Source, error) {
	switch c.Kind {
	case config.SourceIMU:
		return sensor.NewIMUSource(sensor.IMUConfig{
			I2CBus:               c.IMU.I2CBus,
			Addr:                 c.IMU.Addr,
			SampleRateHz:         c.IMU.SampleRateHz,
			AccelRangeG:          c.IMU.AccelRangeG,
			GravityAlpha:         c.IMU.GravityAlpha,
			GravityEvery:         c.IMU.GravityEvery,
			WakeOnMotionMg:       c.IMU.WakeOnMotionMg,
			MaxConsecutiveErrors: c.IMU.MaxConsecutiveErrors,
			Clock:                clk,
			Logger:               log,
		}), nil
	case config.SourceReplay:
		src, err := replay.NewSource(replay.SourceConfig{
			Path:   c.Replay.Path,
			Speed:  c.Replay.Speed,
			Loop:   c.Replay.Loop,
			Clock:  clk,
			Logger: log,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.SourceSerial:
		return sensor.NewSerialSource(sensor.SerialConfig{
			Port:     c.Serial.Port,
			BaudRate: c.Serial.BaudRate,
			DataBits: c.Serial.DataBits,
			StopBits: c.Serial.StopBits,
			Parity:   c.Serial.Parity,
			Capabilities: stairs.Capabilities{
				LinearAcceleration: true,
				Gravity:            c.Serial.Gravity,
				SignificantMotion:  c.Serial.SigMotion,
			},
			Clock:  clk,
			Logger: log,
		}), nil
	case config.SourceSim:
		script, err := sim.LoadScenarioScript(c.Sim.Script)
		if err != nil {
			return nil, err
		}
		scn, err := sim.NewScenario(script)
		if err != nil {
			return nil, err
		}
		log.Info("simulating", "script", c.Sim.Script, "duration", scn.Duration().Round(time.Millisecond))
		src, err := sim.NewSource(scn, replay.SourceConfig{
			Speed:  c.Sim.Speed,
			Loop:   c.Sim.Loop,
			Clock:  clk,
			Logger: log,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", c.Kind)
	}
}
