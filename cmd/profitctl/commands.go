package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/config"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/decision"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/engine"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/monitor"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/events"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/logger"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/pkg/notify"
	"github.com/tkdjq0411-dotcom/product-automation-v2/internal/store"

	"github.com/google/subcommands"
)

// Commands profitctl 注册的全部子命令。
var Commands = []subcommands.Command{
	&evaluateCmd{},
	&resolveCmd{},
	&sweepCmd{},
}

// openStore 按配置文件连接数据库，调用方负责关闭。
func openStore(configPath string) (*config.Config, *store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store.New(db, cfg.App.ItemBatchSize), nil
}

type evaluateCmd struct {
	market   string
	category string
	tax      string
	sell     string
	cost     string
	ship     string
	offline  bool
	config   string
}

func (*evaluateCmd) Name() string     { return "evaluate" }
func (*evaluateCmd) Synopsis() string { return "compute commission, tax, net profit and decision for one item" }
func (*evaluateCmd) Usage() string {
	return `profitctl evaluate -sell <price> -cost <price> [-ship <fee>] [-market m] [-category c] [-tax simple|general] [-offline]

  Evaluates a single item. With -offline the built-in default settings and
  default fee rate are used and no database is contacted.
`
}

func (c *evaluateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.market, "market", "", "Sales market (empty means etc).")
	f.StringVar(&c.category, "category", "", "Item category (empty means unknown).")
	f.StringVar(&c.tax, "tax", "simple", "Seller tax treatment: simple or general.")
	f.StringVar(&c.sell, "sell", "0", "Sell price.")
	f.StringVar(&c.cost, "cost", "0", "Cost price.")
	f.StringVar(&c.ship, "ship", "0", "Shipping fee.")
	f.BoolVar(&c.offline, "offline", false, "Use default settings and rate without a database.")
	f.StringVar(&c.config, "config", "", "Config file path (defaults to configs/config.json).")
}

func (c *evaluateCmd) input() engine.Input {
	return engine.ParseInput(map[string]any{
		"market":        c.market,
		"category":      c.category,
		"tax_treatment": c.tax,
		"sell_price":    c.sell,
		"cost_price":    c.cost,
		"shipping_fee":  c.ship,
	})
}

func (c *evaluateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	snap := engine.Snapshot{Settings: engine.DefaultSettings()}
	if !c.offline {
		cfg, st, err := openStore(c.config)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		defer st.Close()
		snap = store.NewSnapshotLoader(st, nil, 0, logger.NewDefault(cfg.App.LogLevel)).Load(ctx)
	}

	in := c.input()
	res := engine.Resolve(snap.Rules, in.Market, in.Category)
	printEvaluation(os.Stdout, in, res, engine.Revaluate(in, snap))
	return subcommands.ExitSuccess
}

type resolveCmd struct {
	market   string
	category string
	config   string
}

func (*resolveCmd) Name() string     { return "resolve" }
func (*resolveCmd) Synopsis() string { return "show which fee rule tier applies to a market and category" }
func (*resolveCmd) Usage() string {
	return `profitctl resolve -market <m> [-category <c>]

  Looks the pair up in the fee rule table, falling back to (market, unknown),
  then (etc, unknown), then the built-in default rate.
`
}

func (c *resolveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.market, "market", "", "Sales market.")
	f.StringVar(&c.category, "category", "", "Item category.")
	f.StringVar(&c.config, "config", "", "Config file path (defaults to configs/config.json).")
}

func (c *resolveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	_, st, err := openStore(c.config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer st.Close()

	printResolution(os.Stdout, engine.Resolve(st.Lookup(ctx), c.market, c.category))
	return subcommands.ExitSuccess
}

type sweepCmd struct {
	config string
}

func (*sweepCmd) Name() string     { return "sweep" }
func (*sweepCmd) Synopsis() string { return "run one revaluation sweep over all stored items" }
func (*sweepCmd) Usage() string {
	return `profitctl sweep [-config <path>]

  Revaluates every item once with the current settings and fee rules, writes
  changed decisions back and records a decision log for each change. Events
  are published to the configured backend; e-mail alerts are not sent.
`
}

func (c *sweepCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "Config file path (defaults to configs/config.json).")
}

func (c *sweepCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, st, err := openStore(c.config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer st.Close()

	log := logger.NewDefault(cfg.App.LogLevel)
	publisher := events.Publisher(events.NopPublisher{})
	if cfg.App.EventBackend == config.EventBackendKafka {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
	}
	defer publisher.Close()

	recorder := decision.NewRecorder(st, publisher, nil, log)
	snapshots := store.NewSnapshotLoader(st, nil, 0, log)
	report := monitor.New(st, snapshots, recorder, log, cfg.App.MonitorInterval, 0).SweepOnce(ctx)

	printReport(os.Stdout, report)
	if report.Err != "" {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func printEvaluation(w io.Writer, in engine.Input, res engine.Resolution, d engine.Derived) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "market/category\t%s/%s (%s)\n", res.Market, res.Category, res.Tier)
	fmt.Fprintf(tw, "sell price\t%s\n", notify.FormatKRW(in.SellPrice.String()))
	fmt.Fprintf(tw, "cost price\t%s\n", notify.FormatKRW(in.CostPrice.String()))
	fmt.Fprintf(tw, "shipping fee\t%s\n", notify.FormatKRW(in.ShippingFee.String()))
	fmt.Fprintf(tw, "commission rate\t%s\n", d.CommissionRate.String())
	fmt.Fprintf(tw, "commission fee\t%s\n", notify.FormatKRW(d.CommissionFee.String()))
	fmt.Fprintf(tw, "tax fee\t%s\n", notify.FormatKRW(d.TaxFee.String()))
	fmt.Fprintf(tw, "total cost\t%s\n", notify.FormatKRW(d.TotalCost.String()))
	fmt.Fprintf(tw, "net profit\t%s\n", notify.FormatKRW(d.NetProfit.String()))
	fmt.Fprintf(tw, "margin rate\t%s\n", d.MarginRate.String())
	fmt.Fprintf(tw, "decision\t%s (%s)\n", d.Decision, d.ReasonCode)
	tw.Flush()
}

func printResolution(w io.Writer, res engine.Resolution) {
	fmt.Fprintf(w, "%s/%s tier=%s base=%s category=%s total=%s\n",
		res.Market, res.Category, res.Tier,
		res.Rate.Base.String(), res.Rate.Category.String(), res.Rate.Total().String())
}

func printReport(w io.Writer, r monitor.SweepReport) {
	fmt.Fprintf(w, "scanned=%d unchanged=%d transitions=%d failed=%d duration=%s\n",
		r.Scanned, r.Unchanged, r.Transitions, r.Failed, r.Duration)
	if r.Err != "" {
		fmt.Fprintf(w, "error: %s\n", r.Err)
	}
}
