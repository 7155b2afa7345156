package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tacos8me/calldoc/internal/db"
	"github.com/tacos8me/calldoc/internal/models"
	"github.com/tacos8me/calldoc/internal/smdr"
)

func createStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's counters",
		Run:   showStatus,
	}
	cmd.Flags().String("addr", "", "Status server address (default: status.listen from config)")
	return cmd
}

func createCallsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Show recent calls",
		Run:   showCalls,
	}
	cmd.Flags().IntP("limit", "l", 50, "Number of calls to show")
	cmd.Flags().StringP("source", "s", "", "Filter by source: realtime, detail, merged")
	cmd.Flags().String("matched", "", "Filter by match state: true or false")
	return cmd
}

func createAgentCommands() *cobra.Command {
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage the agent directory",
	}

	agentAddCmd := &cobra.Command{
		Use:   "add <extension> <name>",
		Short: "Add or rename an agent",
		Args:  cobra.ExactArgs(2),
		Run:   addAgent,
	}

	agentListCmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Run:   listAgents,
	}

	agentCmd.AddCommand(agentAddCmd, agentListCmd)
	return agentCmd
}

func createSMDRCommands() *cobra.Command {
	smdrCmd := &cobra.Command{
		Use:   "smdr",
		Short: "Detail-record tools",
	}

	parseCmd := &cobra.Command{
		Use:   "parse <file>",
		Short: "Parse a detail-record capture and tabulate it",
		Args:  cobra.ExactArgs(1),
		Run:   parseSMDRFile,
	}
	parseCmd.Flags().String("location", "", "Time zone of the record times (default: smdr.location from config)")

	smdrCmd.AddCommand(parseCmd)
	return smdrCmd
}

func createInitDBCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the database and its tables",
		Run:   initDatabase,
	}
}

func showStatus(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			color.Red("Error: %v", err)
			os.Exit(1)
		}
		addr = cfg.Status.Listen
	}

	report, err := fetchStatus(cmd.Context(), "http://"+addr+"/status")
	if err != nil {
		color.Red("Error: Failed to reach daemon at %s: %v", addr, err)
		os.Exit(1)
	}
	renderStatus(os.Stdout, report)
}

func fetchStatus(ctx context.Context, url string) (*statusReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var report statusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &report, nil
}

func renderStatus(w io.Writer, r *statusReport) {
	fmt.Fprintf(w, "Mode: %s\n", r.Mode)

	if e := r.Engine; e != nil {
		state := color.GreenString("running")
		if !e.Running {
			state = color.RedString("stopped")
		}
		fmt.Fprintf(w, "\nCorrelation engine: %s\n", state)

		table := newTable(w, []string{"Counter", "Value"})
		table.Append([]string{"Events received", strconv.FormatInt(e.EventsReceived, 10)})
		table.Append([]string{"Records received", strconv.FormatInt(e.RecordsReceived, 10)})
		table.Append([]string{"Matched", strconv.FormatInt(e.Matched, 10)})
		table.Append([]string{"Unmatched", strconv.FormatInt(e.Unmatched, 10)})
		table.Append([]string{"Continuations", strconv.FormatInt(e.Continuations, 10)})
		table.Append([]string{"Pending", strconv.Itoa(e.Pending)})
		table.Append([]string{"Evicted", strconv.FormatInt(e.Evicted, 10)})
		table.Append([]string{"Errors", countColor(e.Errors)})
		table.Append([]string{"Avg match latency", fmt.Sprintf("%.1fs", e.AvgMatchLatencySeconds)})
		table.Render()

		if e.LastError != "" && e.LastErrorAt != nil {
			fmt.Fprintf(w, "Last error: %s (%s)\n", color.RedString(e.LastError), e.LastErrorAt.Format(time.RFC3339))
		}
	}

	if d := r.DevLink; d != nil {
		state := color.YellowString(d.State)
		if d.State == "streaming" {
			state = color.GreenString(d.State)
		}
		fmt.Fprintf(w, "\nDevLink: %s  connects=%d auth_failures=%d events=%d malformed=%d\n",
			state, d.Connects, d.AuthFailures, d.Events, d.MalformedEvent)
		if v, ok := d.ServerInfo["version"]; ok {
			fmt.Fprintf(w, "  PBX version: %s\n", v)
		}
	}

	if s := r.SMDR; s != nil {
		fmt.Fprintf(w, "\nSMDR: connections=%d lines=%d accepted=%d rejected=%d\n",
			s.Connections, s.Lines, s.Accepted, s.Rejected)
	}

	if k := r.Kafka; k != nil {
		fmt.Fprintf(w, "\nKafka: published=%d failed=%s\n", k.Published, countColor(int64(k.Failed)))
	}

	if len(r.Groups) > 0 {
		fmt.Fprintln(w, "\nHunt groups:")
		table := newTable(w, []string{"Group", "Calls", "Answered", "Abandoned", "Avg Ring", "Avg Talk"})
		for _, g := range r.Groups {
			table.Append([]string{
				g.Group,
				strconv.FormatInt(g.TotalCalls, 10),
				strconv.FormatInt(g.AnsweredCalls, 10),
				strconv.FormatInt(g.AbandonedCalls, 10),
				fmt.Sprintf("%.1fs", g.AvgRingSeconds),
				fmt.Sprintf("%.1fs", g.AvgTalkSeconds),
			})
		}
		table.Render()
	}
}

func showCalls(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	source, _ := cmd.Flags().GetString("source")
	matched, _ := cmd.Flags().GetString("matched")

	filter := db.CallFilter{Limit: limit, Source: source}
	if matched != "" {
		b, err := strconv.ParseBool(matched)
		if err != nil {
			color.Red("Error: --matched must be true or false")
			os.Exit(1)
		}
		filter.Matched = &b
	}

	database := openDatabase(cmd.Context())
	defer database.Close()

	calls, err := database.RecentCalls(cmd.Context(), filter)
	if err != nil {
		color.Red("Error: Failed to query calls: %v", err)
		os.Exit(1)
	}
	if len(calls) == 0 {
		fmt.Println("No calls found")
		return
	}
	renderCalls(os.Stdout, calls)
}

func renderCalls(w io.Writer, calls []models.CallRecord) {
	table := newTable(w, []string{"Call ID", "Source", "State", "Direction", "Caller", "Called", "Ext", "Group", "Start", "Duration", "Matched"})

	for _, c := range calls {
		source := c.Source
		switch models.CallSource(c.Source) {
		case models.SourceMerged:
			source = color.GreenString(c.Source)
		case models.SourceDetail:
			source = color.YellowString(c.Source)
		}

		start := "-"
		if !c.StartTime.IsZero() {
			start = c.StartTime.Format("2006-01-02 15:04:05")
		}

		matched := color.RedString("no")
		if c.Matched {
			matched = color.GreenString("yes")
		}

		table.Append([]string{
			c.ExternalCallID,
			source,
			c.State,
			c.Direction,
			c.CallerNumber,
			c.CalledNumber,
			c.AgentExtension,
			c.HuntGroup,
			start,
			smdr.FormatDuration(c.Duration),
			matched,
		})
	}

	table.Render()
	fmt.Fprintf(w, "\nTotal: %d calls\n", len(calls))
}

func addAgent(cmd *cobra.Command, args []string) {
	database := openDatabase(cmd.Context())
	defer database.Close()

	directory := db.NewDirectory(database, nil, nil)
	agent, err := directory.AddAgent(cmd.Context(), args[0], args[1])
	if err != nil {
		color.Red("Error: Failed to add agent: %v", err)
		os.Exit(1)
	}
	color.Green("✓ Agent %s saved for extension %s (id %d)", agent.Name, agent.Extension, agent.ID)
}

func listAgents(cmd *cobra.Command, args []string) {
	database := openDatabase(cmd.Context())
	defer database.Close()

	directory := db.NewDirectory(database, nil, nil)
	if err := directory.Load(cmd.Context()); err != nil {
		color.Red("Error: Failed to load agents: %v", err)
		os.Exit(1)
	}

	agents := directory.Agents()
	if len(agents) == 0 {
		fmt.Println("No agents found")
		return
	}

	table := newTable(os.Stdout, []string{"ID", "Extension", "Name"})
	for _, a := range agents {
		table.Append([]string{strconv.FormatInt(a.ID, 10), a.Extension, a.Name})
	}
	table.Render()
	fmt.Printf("\nTotal: %d agents\n", len(agents))
}

func parseSMDRFile(cmd *cobra.Command, args []string) {
	location, _ := cmd.Flags().GetString("location")
	if location == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			color.Red("Error: %v", err)
			os.Exit(1)
		}
		location = cfg.SMDR.Location
	}
	loc, err := time.LoadLocation(location)
	if err != nil {
		color.Red("Error: Invalid location %q: %v", location, err)
		os.Exit(1)
	}

	f, err := os.Open(args[0])
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	defer f.Close()

	records, rejected, err := parseRecords(f, loc)
	if err != nil {
		color.Red("Error: Failed to read %s: %v", args[0], err)
		os.Exit(1)
	}
	renderRecords(os.Stdout, records)

	summary := fmt.Sprintf("\nParsed: %d records", len(records))
	if rejected > 0 {
		summary += ", " + color.RedString("%d rejected", rejected)
	}
	fmt.Println(summary)
}

// parseRecords reads one record per line, skipping blank lines and counting
// the ones that do not parse.
func parseRecords(r io.Reader, loc *time.Location) ([]models.DetailRecord, int, error) {
	var records []models.DetailRecord
	rejected := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		line := strings.TrimRight(strings.ReplaceAll(scanner.Text(), "\x00", ""), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := smdr.Parse(line, loc)
		if err != nil {
			rejected++
			continue
		}
		records = append(records, rec)
	}
	return records, rejected, scanner.Err()
}

func renderRecords(w io.Writer, records []models.DetailRecord) {
	table := newTable(w, []string{"Call ID", "Start", "Direction", "Caller", "Called", "Extension", "Agent", "Ring", "Talk", "Hold", "Total", "Cont"})

	for _, r := range records {
		cont := ""
		if smdr.IsContinuation(r) {
			cont = color.YellowString("yes")
		}
		table.Append([]string{
			strconv.FormatInt(r.CallID, 10),
			r.CallStart.Format("2006-01-02 15:04:05"),
			string(r.Direction),
			r.CallerNumber,
			r.CalledNumber,
			smdr.ResolvedExtension(r),
			r.Party1Name,
			smdr.FormatDuration(r.RingDuration),
			smdr.FormatDuration(r.ConnectedDuration),
			smdr.FormatDuration(r.HoldDuration),
			smdr.FormatDuration(smdr.TotalDuration(r)),
			cont,
		})
	}

	table.Render()
}

func initDatabase(cmd *cobra.Command, args []string) {
	cfg, log, err := loadConfig()
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	database, err := db.Initialize(cmd.Context(), cfg.Database.DSN(), log)
	if err != nil {
		color.Red("Error: Failed to initialize database: %v", err)
		os.Exit(1)
	}
	defer database.Close()

	directory := db.NewDirectory(database, cfg.Agents, log)
	if err := directory.Load(cmd.Context()); err != nil {
		color.Red("Error: Failed to load agents: %v", err)
		os.Exit(1)
	}

	color.Green("✓ Database %s initialized", cfg.Database.Name)
}

func openDatabase(ctx context.Context) *db.DB {
	cfg, log, err := loadConfig()
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	database, err := db.Open(ctx, cfg.Database.DSN(), log)
	if err != nil {
		color.Red("Error: Failed to connect to database: %v", err)
		os.Exit(1)
	}
	return database
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func countColor(n int64) string {
	s := strconv.FormatInt(n, 10)
	if n > 0 {
		return color.RedString(s)
	}
	return s
}
