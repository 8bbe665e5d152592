package bootstrap

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
	log "github.com/sirupsen/logrus"
)

// EnvUpgradesEnabled enables zero downtime upgrades when set
const EnvUpgradesEnabled = "WARDEN_UPGRADES_ENABLED"

// Bootstrap handles graceful upgrades
type Bootstrap struct {
	upgrader   *tableflip.Upgrader
	listenFunc ListenFunc
	errChan    chan error
	starters   []Starter
	wg         sync.WaitGroup
}

// New performs tableflip initialization
//
// first boot:
// * warden starts as usual, we will refer to it as p1
// * New will build a tableflip.Upgrader, we will refer to it as upg
// * sockets and files must be opened with upg.Fds
// * p1 will trap SIGHUP and invoke upg.Upgrade()
// * when ready to accept incoming connections p1 will call upg.Ready()
// * upg.Exit() channel will be closed when an upgrade completed successfully and the process must terminate
//
// graceful upgrade:
// * user replaces the warden binary and/or config file
// * user sends SIGHUP to p1
// * p1 will fork and exec the new warden, we will refer to it as p2
// * from now on p1 will ignore other SIGHUP
// * if p2 terminates with a non-zero exit code, SIGHUP handling will be restored
// * p2 will follow the "first boot" sequence but upg.Fds will provide sockets and files from p1, when available
// * when p2 invokes upg.Ready() all the shared file descriptors not claimed by p2 will be closed
// * upg.Exit() channel in p1 will be closed now and p1 can gracefully terminate already accepted connections
// * upgrades cannot start again until both p1 and p2 are running
func New() (*Bootstrap, error) {
	pidFile := os.Getenv("WARDEN_PID_FILE")
	upgradesEnabled := os.Getenv(EnvUpgradesEnabled) == "true"

	// PIDFile is optional, if provided tableflip will keep it updated
	upg, err := tableflip.New(tableflip.Options{PIDFile: pidFile})
	if err != nil {
		return nil, err
	}

	if upgradesEnabled {
		go func() {
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGHUP)

			for range sig {
				err := upg.Upgrade()
				if err != nil {
					log.WithError(err).Error("Upgrade failed")
					continue
				}

				log.Info("Upgrade succeeded")
			}
		}()
	}

	return &Bootstrap{
		upgrader:   upg,
		listenFunc: upg.Fds.Listen,
	}, nil
}

// ListenFunc is a net.Listener factory
type ListenFunc func(net, addr string) (net.Listener, error)

// Starter is function to initialize a net.Listener and to start
// serving on it. It must send on the error channel once serving stops.
type Starter func(ListenFunc, chan<- error) error

// RegisterStarter adds a new starter
func (b *Bootstrap) RegisterStarter(starter Starter) {
	b.starters = append(b.starters, starter)
}

// Start will invoke all the registered starters and wait asynchronously for
// their termination. On first boot listeners are created, on upgrades they
// are inherited from the old process.
func (b *Bootstrap) Start() error {
	b.errChan = make(chan error, len(b.starters))

	for _, start := range b.starters {
		errCh := make(chan error)

		if err := start(b.listenFunc, errCh); err != nil {
			return err
		}

		b.wg.Add(1)
		go func(errCh chan error) {
			err := <-errCh
			b.wg.Done()
			b.errChan <- err
		}(errCh)
	}

	return nil
}

// Wait signals readiness to the parent process and blocks until one of the
// following happens:
// * a graceful upgrade is requested and completed by a new process
// * a starter fails
// * the process receives SIGTERM or SIGINT
//
// Once it starts a graceful stop it invokes gracefulStopAction and enforces
// gracefulTimeout as a hard deadline on already accepted connections.
func (b *Bootstrap) Wait(gracefulTimeout time.Duration, gracefulStopAction func()) error {
	signals := []os.Signal{syscall.SIGTERM, syscall.SIGINT}
	immediateShutdown := make(chan os.Signal, len(signals))
	signal.Notify(immediateShutdown, signals...)

	if err := b.upgrader.Ready(); err != nil {
		return err
	}

	var err error
	select {
	case <-b.upgrader.Exit():
		// the new process signaled its readiness and we started a graceful stop
		// however no further upgrades can be started until this process is done
		// we set a grace period and then we force a termination.
		b.waitGracePeriod(gracefulTimeout, immediateShutdown, gracefulStopAction)

		err = fmt.Errorf("graceful upgrade")
	case s := <-immediateShutdown:
		err = fmt.Errorf("received signal %q", s)
	case err = <-b.errChan:
	}

	return err
}

func (b *Bootstrap) waitGracePeriod(gracefulTimeout time.Duration, kill <-chan os.Signal, gracefulStopAction func()) {
	log.WithField("graceful_timeout", gracefulTimeout).Warn("starting grace period")

	allServersDone := make(chan struct{})
	go func() {
		gracefulStopAction()
		b.wg.Wait()
		close(allServersDone)
	}()

	select {
	case <-time.After(gracefulTimeout):
		log.Error("old process stuck on termination. Grace period expired.")
	case <-kill:
		log.Error("force shutdown")
	case <-allServersDone:
		log.Info("graceful stop completed")
	}
}
