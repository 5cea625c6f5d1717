// Package simulator runs a fleet of virtual devices on the stack façade,
// bridged to a network-server through a virtual gateway on MQTT. It serves
// as the operational harness of the stack: every uplink travels the full
// join / send / receive-window path.
package simulator

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-device-stack/internal/band"
	"github.com/brocaar/chirpstack-device-stack/internal/config"
	"github.com/brocaar/chirpstack-device-stack/internal/device"
	"github.com/brocaar/chirpstack-device-stack/internal/logging"
	"github.com/brocaar/chirpstack-device-stack/internal/lorawan"
	"github.com/brocaar/chirpstack-device-stack/internal/mac"
	"github.com/brocaar/chirpstack-device-stack/internal/radio"
	"github.com/brocaar/chirpstack-device-stack/internal/storage"
)

var (
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	gateway    *Gateway
)

// Setup starts the virtual-device fleet.
func Setup(c config.Config) error {
	conf := c.Simulator
	if conf.DeviceCount < 1 {
		return errors.New("simulator: device_count must be at least 1")
	}

	if _, err := band.GetBand(band.Name(conf.Region)); err != nil {
		return err
	}

	baseDevEUI, err := parseEUI(conf.DevEUI)
	if err != nil {
		return errors.Wrap(err, "parse dev_eui error")
	}
	appEUI, err := parseEUI(conf.AppEUI)
	if err != nil {
		return errors.Wrap(err, "parse app_eui error")
	}
	appKey, err := parseKey(conf.AppKey)
	if err != nil {
		return errors.Wrap(err, "parse app_key error")
	}

	store, err := newStore(c)
	if err != nil {
		return err
	}

	if gateway, err = NewGateway(c); err != nil {
		return err
	}

	if c.Metrics.Prometheus.EndpointEnabled {
		serveMetrics(c.Metrics.Prometheus.Bind)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancelFunc = cancel

	for i := 0; i < conf.DeviceCount; i++ {
		devBand, err := band.GetBand(band.Name(conf.Region))
		if err != nil {
			return err
		}
		if conf.JoinBiasSubband > 0 {
			if biaser, ok := devBand.(band.JoinBiaser); ok {
				if err := biaser.SetJoinBiasAndNoncompliantRetries(band.Subband(conf.JoinBiasSubband), 4); err != nil {
					return err
				}
			}
		}

		d, err := device.New(device.Config{
			Band:  devBand,
			Radio: NewVirtualRadio(gateway),
			Timer: radio.SystemTimer{},
			RNG:   radio.NewPrng(uint64(time.Now().UnixNano()) + uint64(i)),
			Store: store,
		})
		if err != nil {
			return err
		}

		creds := mac.NetworkCredentials{
			DevEUI: offsetEUI(baseDevEUI, uint64(i)),
			AppEUI: appEUI,
			AppKey: appKey,
		}

		wg.Add(1)
		go func(d *device.Device, creds mac.NetworkCredentials) {
			defer wg.Done()
			runDevice(ctx, d, creds, conf)
		}(d, creds)
	}

	log.WithFields(log.Fields{
		"region":  conf.Region,
		"devices": conf.DeviceCount,
	}).Info("simulator: fleet started")
	return nil
}

// Stop terminates the fleet and disconnects the gateway.
func Stop() {
	if cancelFunc != nil {
		cancelFunc()
	}
	wg.Wait()
	if gateway != nil {
		gateway.Close()
	}
}

func runDevice(ctx context.Context, d *device.Device, creds mac.NetworkCredentials, conf config.SimulatorConfig) {
	if err := d.SetOTAACredentials(ctx, creds); err != nil {
		log.WithError(err).Error("simulator: set credentials error")
		return
	}
	if conf.ClassC {
		d.EnableClassC()
	}

	for ctx.Err() == nil {
		if !join(ctx, d, creds) {
			return
		}
		// uplinks until the session expires, then rejoin
		if !exchange(ctx, d, creds, conf) {
			return
		}
	}
}

// join retries until the device is activated; the stack delegates join
// retries to its caller. Returns false on shutdown.
func join(ctx context.Context, d *device.Device, creds mac.NetworkCredentials) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		resp, err := d.Join(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			joinCounter.WithLabelValues("error").Inc()
			log.WithError(err).WithField("dev_eui", creds.DevEUI).Error("simulator: join error")
		} else if resp == device.JoinSuccess {
			joinCounter.WithLabelValues("success").Inc()
			log.WithField("dev_eui", creds.DevEUI).Info("simulator: device joined")
			return true
		} else {
			joinCounter.WithLabelValues("no_accept").Inc()
		}
		if !sleepCtx(ctx, 6*time.Second) {
			return false
		}
	}
}

// exchange sends uplinks until the session expires. Returns false on
// shutdown.
func exchange(ctx context.Context, d *device.Device, creds mac.NetworkCredentials, conf config.SimulatorConfig) bool {
	for {
		txCtx, err := logging.NewContextWithID(ctx)
		if err != nil {
			txCtx = ctx
		}

		resp, err := d.Send(txCtx, conf.FPort, []byte(conf.Payload), conf.Confirmed)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return false
			}
			logging.FromContext(txCtx).WithError(err).WithField("dev_eui", creds.DevEUI).Error("simulator: send error")
		case resp.Kind == device.SessionExpired:
			logging.FromContext(txCtx).WithField("dev_eui", creds.DevEUI).Warning("simulator: session expired, rejoining")
			return true
		default:
			for {
				dl := d.TakeDownlink()
				if dl == nil {
					break
				}
				logging.FromContext(txCtx).WithFields(log.Fields{
					"dev_eui": creds.DevEUI,
					"f_port":  dl.FPort,
					"size":    len(dl.Data),
				}).Info("simulator: downlink delivered")
			}
		}

		if !sleepCtx(ctx, conf.UplinkInterval) {
			return false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func newStore(c config.Config) (storage.Store, error) {
	if len(c.Redis.Servers) == 0 {
		return storage.NewMemoryStore(), nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    c.Redis.Servers,
		Password: c.Redis.Password,
		DB:       c.Redis.Database,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "redis ping error")
	}
	log.WithField("servers", c.Redis.Servers).Info("simulator: device-sessions persisted to redis")
	return storage.NewRedisStore(client, c.Redis.SessionTTL), nil
}

// parseEUI reads an MSB-first hex EUI into the on-air byte order.
func parseEUI(s string) (lorawan.EUI64, error) {
	var eui lorawan.EUI64
	b, err := hex.DecodeString(s)
	if err != nil {
		return eui, err
	}
	if len(b) != 8 {
		return eui, errors.New("simulator: an EUI must be 8 bytes")
	}
	for i := range b {
		eui[i] = b[7-i]
	}
	return eui, nil
}

func parseKey(s string) (lorawan.AES128Key, error) {
	var key lorawan.AES128Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != 16 {
		return key, errors.New("simulator: a key must be 16 bytes")
	}
	copy(key[:], b)
	return key, nil
}

// offsetEUI derives the EUI of fleet device i from the base EUI.
func offsetEUI(base lorawan.EUI64, i uint64) lorawan.EUI64 {
	v := binary.LittleEndian.Uint64(base[:]) + i
	var out lorawan.EUI64
	binary.LittleEndian.PutUint64(out[:], v)
	return out
}
