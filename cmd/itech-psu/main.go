package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"

	"itech/pkg/api"
	"itech/pkg/drivers/itech"
	"itech/pkg/drivers/psu_simulator"
	"itech/pkg/visa"
	"itech/templates"
)

// instrument is an open channel to a power supply, real or simulated.
type instrument interface {
	visa.Channel
	Close() error
}

func openInstrument(c *cli.Context) (*itech.IT6000C, func(), error) {
	logger := log.WithField("device", "psu")

	var ch instrument
	if c.Bool("simulate") {
		ch = psu_simulator.New(psu_simulator.WithLogger(logger))
	} else {
		if c.String("address") == "" {
			return nil, nil, fmt.Errorf("either --address or --simulate is required")
		}
		res, err := visa.Open(c.String("address"),
			visa.WithLogger(logger),
			visa.WithTimeout(time.Duration(c.Int("timeout"))*time.Millisecond),
			visa.WithBaudRate(c.Int("baud")),
		)
		if err != nil {
			return nil, nil, err
		}
		ch = res
	}

	closer := func() {
		if err := ch.Close(); err != nil {
			log.Errorf("failed to close %s: %v", c.String("address"), err)
		}
	}
	return itech.New(ch), closer, nil
}

func setLogLevel(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}
	return nil
}

func serve(c *cli.Context) error {
	log.Info("iTech Power Supply Server")

	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}

	db, err := bolt.Open(c.String("db"), 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	psu, err := itech.NewDriver(0, db, tmpl, log.WithField("device", "psu"))
	if err != nil {
		return fmt.Errorf("failed to create power supply driver: %v", err)
	}
	defer psu.Close()

	if c.Bool("connect") {
		if err := psu.Connect(); err != nil {
			log.Errorf("Failed to connect power supply: %v", err)
		}
	}

	serverDesc := api.ServerDescription{
		Name:                "iTech Power Supply Server",
		Manufacturer:        "ITech",
		ManufacturerVersion: "1.0",
		Location:            c.String("location"),
	}
	server := api.NewServer(serverDesc, []api.Device{psu})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.Int("port")),
		Handler: server.AddRoutes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Debugf("Server started on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Could not listen on %s: %v", srv.Addr, err)
			stop()
		}
	}()

	dr := api.NewDiscoveryResponder("0.0.0.0", c.Int("port"), log.WithField("component", "discovery"))

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dr.Run(ctx); err != nil {
			log.Errorf("Discovery responder failed: %v", err)
		}
		log.Debug("Discovery responder stopped")
	}()

	<-ctx.Done()

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %v", err)
	}

	wg.Wait()
	log.Info("Server stopped")
	return nil
}

func info(c *cli.Context) error {
	psu, closer, err := openInstrument(c)
	if err != nil {
		return err
	}
	defer closer()

	id, err := psu.Identity()
	if err != nil {
		return err
	}
	fmt.Printf("Manufacturer: %s\nModel:        %s\nSerial:       %s\nVersion:      %s\n",
		id.Manufacturer, id.Model, id.Serial, id.Version)
	if !itech.Supports(id) {
		log.Warnf("%s %s is not a supported model", id.Manufacturer, id.Model)
	}

	for _, prop := range psu.Facets().Properties() {
		v, err := prop.Read(psu.Channel())
		if err != nil {
			return err
		}
		fmt.Printf("%-26s %v\n", prop.Name(), v)
	}

	sense, err := psu.RemoteSenseState()
	if err != nil {
		return err
	}
	fmt.Printf("%-26s %v\n", "remote_sense", sense)
	return nil
}

func set(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: set <property> <value>")
	}
	name, value := c.Args().Get(0), c.Args().Get(1)

	psu, closer, err := openInstrument(c)
	if err != nil {
		return err
	}
	defer closer()

	prop, ok := psu.Facets().Lookup(name)
	if !ok {
		return fmt.Errorf("%s: %w (known: %v)", name, api.ErrUnknownProperty, psu.Facets().Names())
	}
	if err := prop.WriteString(psu.Channel(), value); err != nil {
		return err
	}

	v, err := prop.Read(psu.Channel())
	if err != nil {
		return err
	}
	fmt.Printf("%s = %v\n", name, v)
	return nil
}

func accum(c *cli.Context) error {
	psu, closer, err := openInstrument(c)
	if err != nil {
		return err
	}
	defer closer()

	reset := c.Bool("reset")

	ah, err := psu.AmpHours(reset)
	if err != nil {
		return err
	}
	wh, err := psu.WattHours(reset)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n%s\n", ah, wh)
	return nil
}

func main() {
	instrumentFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "address",
			Aliases: []string{"a"},
			Usage:   "VISA resource string, e.g. TCPIP0::192.168.0.100::30000::SOCKET",
			EnvVars: []string{"ITECH_ADDRESS"},
		},
		&cli.BoolFlag{
			Name:  "simulate",
			Usage: "Talk to an in-memory simulator instead of an instrument",
		},
		&cli.IntFlag{
			Name:  "timeout",
			Usage: "I/O timeout in milliseconds",
			Value: 2000,
		},
		&cli.IntFlag{
			Name:  "baud",
			Usage: "Baud rate for serial resources",
			Value: 9600,
		},
	}

	app := cli.App{
		Name:  "itech-psu",
		Usage: "iTech IT6000C power supply control",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   false,
				EnvVars: []string{"DEBUG"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Configuration database",
				Value:   "itech.db",
				EnvVars: []string{"ITECH_DB"},
			},
		},
		Before: setLogLevel,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Serve the HTTP API, setup pages and discovery",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Aliases: []string{"p"},
						Usage:   "Port to listen on",
						Value:   8090,
						EnvVars: []string{"ITECH_PORT"},
					},
					&cli.BoolFlag{
						Name:  "connect",
						Usage: "Connect the power supply at start-up",
					},
					&cli.StringFlag{
						Name:  "location",
						Usage: "Location reported in the server description",
						Value: "Lab",
					},
				},
				Action: serve,
			},
			{
				Name:   "info",
				Usage:  "Print identity and all properties",
				Flags:  instrumentFlags,
				Action: info,
			},
			{
				Name:      "set",
				Usage:     "Write one property",
				ArgsUsage: "<property> <value>",
				Flags:     instrumentFlags,
				Action:    set,
			},
			{
				Name:  "accum",
				Usage: "Print the ampere-hour and watt-hour counters",
				Flags: append([]cli.Flag{
					&cli.BoolFlag{
						Name:  "reset",
						Usage: "Clear the counters after reading them",
					},
				}, instrumentFlags...),
				Action: accum,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
