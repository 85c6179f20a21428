package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/odyssey-erp/odyssey-fincore/internal/fiscal"
	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

// YearInitializer creates the twelve periods of a fiscal year.
type YearInitializer interface {
	CreateFiscalYear(ctx context.Context, in fiscal.CreateYearInput) ([]fiscal.Period, error)
}

// FiscalCLI offers operational helpers around the fiscal calendar.
type FiscalCLI struct {
	years YearInitializer
}

// NewFiscalCLI constructs a new helper instance.
func NewFiscalCLI(years YearInitializer) (*FiscalCLI, error) {
	if years == nil {
		return nil, fmt.Errorf("fiscal cli: service required")
	}
	return &FiscalCLI{years: years}, nil
}

// InitYearOptions defines available flags for the init-year command.
type InitYearOptions struct {
	OrganisationID string
	BranchID       string
	Year           int
	Actor          string
	JSONOutput     bool
	Stdout         io.Writer
	Stderr         io.Writer
}

// ParseInitYearArgs maps command-line arguments onto InitYearOptions.
func ParseInitYearArgs(args []string, stderr io.Writer) (InitYearOptions, error) {
	var opts InitYearOptions
	fs := flag.NewFlagSet("init-year", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.OrganisationID, "org", "", "organisation id")
	fs.StringVar(&opts.BranchID, "branch", "", "branch id")
	fs.IntVar(&opts.Year, "year", 0, "fiscal year to initialise")
	fs.StringVar(&opts.Actor, "actor", "", "actor recorded as creator")
	fs.BoolVar(&opts.JSONOutput, "json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return InitYearOptions{}, err
	}
	return opts, nil
}

type initYearPeriod struct {
	Number    int    `json:"period_number"`
	Name      string `json:"period_name"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Status    string `json:"status"`
}

// InitYearCommand creates the fiscal year and prints the created periods. It
// returns the process exit code.
func (c *FiscalCLI) InitYearCommand(ctx context.Context, opts InitYearOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if strings.TrimSpace(opts.Actor) == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "init-year: --actor is required")
		return 1
	}
	periods, err := c.years.CreateFiscalYear(ctx, fiscal.CreateYearInput{
		Scope:      shared.Scope{OrganisationID: strings.TrimSpace(opts.OrganisationID), BranchID: strings.TrimSpace(opts.BranchID)},
		FiscalYear: opts.Year,
		CreatedBy:  strings.TrimSpace(opts.Actor),
	})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "init-year: %v\n", err)
		if shared.KindOf(err) == shared.KindConflict {
			return 2
		}
		return 1
	}
	if opts.JSONOutput {
		out := make([]initYearPeriod, 0, len(periods))
		for _, p := range periods {
			out = append(out, initYearPeriod{
				Number:    p.PeriodNumber,
				Name:      p.PeriodName,
				StartDate: p.StartDate.Format("2006-01-02"),
				EndDate:   p.EndDate.Format("2006-01-02"),
				Status:    string(p.Status),
			})
		}
		if err := json.NewEncoder(opts.Stdout).Encode(out); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "init-year: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(opts.Stdout, "Fiscal year %d initialised for %s/%s\n", opts.Year, opts.OrganisationID, opts.BranchID)
	for _, p := range periods {
		_, _ = fmt.Fprintf(opts.Stdout, " %2d  %-15s %s .. %s  %s\n", p.PeriodNumber, p.PeriodName,
			p.StartDate.Format("2006-01-02"), p.EndDate.Format("2006-01-02"), p.Status)
	}
	return 0
}
