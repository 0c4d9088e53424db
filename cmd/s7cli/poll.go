package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/edgeo-scada/s7"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var (
	pollJobsFile   string
	pollIterations int
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll several PLCs from a job file",
	Long: `Poll the tags of every PLC listed in a YAML job file. Each PLC gets its
own connection pool and all PLCs are polled concurrently.

Job file:
  interval: 5s
  plcs:
    - name: press1
      host: 10.0.0.5
      cpu: s71200
      rack: 0
      slot: 1
      connections: 2
      tags:
        - {name: temperature, address: DB1.DBD0, type: real}
        - {name: label, address: DB1.DBB10, type: string, length: 20}`,
	Example: `  s7cli poll --jobs plant.yaml
  s7cli poll --jobs plant.yaml -n 1 -o json`,
	RunE: runPoll,
}

func init() {
	pollCmd.Flags().StringVarP(&pollJobsFile, "jobs", "j", "", "YAML job file")
	pollCmd.Flags().IntVarP(&pollIterations, "iterations", "n", 0, "Number of polls (0 = infinite)")
	pollCmd.MarkFlagRequired("jobs")
}

// JobFile is the layout of a poll job file.
type JobFile struct {
	Interval time.Duration `yaml:"interval"`
	PLCs     []PLCJob      `yaml:"plcs"`
}

// PLCJob describes one PLC and the tags polled from it.
type PLCJob struct {
	Name        string   `yaml:"name"`
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CPU         string   `yaml:"cpu"`
	Rack        int      `yaml:"rack"`
	Slot        int      `yaml:"slot"`
	PDUSize     int      `yaml:"pdu"`
	Connections int      `yaml:"connections"`
	Tags        []TagJob `yaml:"tags"`
}

// TagJob is one polled variable.
type TagJob struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Type    string `yaml:"type"`
	Length  int    `yaml:"length"`
}

func loadJobFile(path string) (*JobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jobs := &JobFile{Interval: 5 * time.Second}
	if err := yaml.Unmarshal(data, jobs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(jobs.PLCs) == 0 {
		return nil, fmt.Errorf("%s: no plcs defined", path)
	}
	return jobs, nil
}

// plcPoller polls one PLC through its pool.
type plcPoller struct {
	job   PLCJob
	pool  *s7.Pool
	addrs []s7.Address
}

func newPLCPoller(job PLCJob) (*plcPoller, error) {
	if job.Name == "" {
		job.Name = job.Host
	}
	if job.Port == 0 {
		job.Port = s7.DefaultPort
	}
	if job.Slot == 0 && job.CPU == "" {
		job.Slot = 2
	}
	if job.CPU == "" {
		job.CPU = "s7300"
	}
	if job.Connections == 0 {
		job.Connections = 1
	}
	if job.PDUSize == 0 {
		job.PDUSize = s7.DefaultPDUSize
	}

	cpu, err := s7.ParseCPUType(job.CPU)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", job.Name, err)
	}
	p := &plcPoller{job: job}
	for _, tag := range job.Tags {
		addrs, err := parseAddresses([]string{tag.Address}, tag.Type, tag.Length)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", job.Name, tag.Name, err)
		}
		p.addrs = append(p.addrs, addrs[0])
	}
	if len(p.addrs) == 0 {
		return nil, fmt.Errorf("%s: no tags defined", job.Name)
	}

	p.pool, err = s7.NewPool(net.JoinHostPort(job.Host, strconv.Itoa(job.Port)),
		s7.WithSize(job.Connections),
		s7.WithClientOptions(
			s7.WithCPU(cpu),
			s7.WithRackSlot(job.Rack, job.Slot),
			s7.WithTimeout(timeout),
			s7.WithPDUSize(job.PDUSize),
			s7.WithLogger(logger.With("plc", job.Name)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", job.Name, err)
	}
	return p, nil
}

// read fetches all tags of the PLC in one batch.
func (p *plcPoller) read(ctx context.Context) ([]ValueResult, error) {
	enc, err := stringEncoding(viper.GetString("charset"))
	if err != nil {
		return nil, err
	}
	var results []ValueResult
	err = p.pool.Do(ctx, func(c *s7.Client) error {
		raw, err := c.ReadMulti(ctx, p.addrs)
		if err != nil {
			return err
		}
		results = make([]ValueResult, len(p.addrs))
		for i, a := range p.addrs {
			results[i] = newResult(a, raw[i], enc)
			results[i].Name = p.job.Name + "/" + p.job.Tags[i].Name
		}
		return nil
	})
	return results, err
}

func runPoll(cmd *cobra.Command, args []string) error {
	jobs, err := loadJobFile(pollJobsFile)
	if err != nil {
		return err
	}

	pollers := make([]*plcPoller, 0, len(jobs.PLCs))
	defer func() {
		for _, p := range pollers {
			p.pool.Close()
		}
	}()
	for _, job := range jobs.PLCs {
		p, err := newPLCPoller(job)
		if err != nil {
			return err
		}
		pollers = append(pollers, p)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(jobs.Interval)
	defer ticker.Stop()

	for iteration := 1; ; iteration++ {
		pollAll(ctx, pollers)
		if pollIterations > 0 && iteration >= pollIterations {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// pollAll polls every PLC concurrently and prints the combined results in
// job file order. A failing PLC is reported without stopping the others.
func pollAll(ctx context.Context, pollers []*plcPoller) {
	perPLC := make([][]ValueResult, len(pollers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range pollers {
		i, p := i, p
		g.Go(func() error {
			pollCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			results, err := p.read(pollCtx)
			if err != nil {
				outputWarning("%s: %v", p.job.Name, err)
				return nil
			}
			perPLC[i] = results
			return nil
		})
	}
	g.Wait()

	var all []ValueResult
	for _, results := range perPLC {
		all = append(all, results...)
	}
	if len(all) > 0 {
		outputValues(time.Now().Format("15:04:05.000"), all)
	}
}
