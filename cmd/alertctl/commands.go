package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/domain"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/alert/store"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/engine"
)

var (
	loginEmail    string
	loginPassword string
	statusFlag    string

	loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session securely",
		RunE:  runLogin,
	}
	logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Log out and forget the stored session",
		RunE:  runLogout,
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List alerts, newest first",
		RunE:  runList,
	}
	showCmd = &cobra.Command{
		Use:   "show [alert-id]",
		Short: "Show the server's current view of one alert",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}
	ackCmd = &cobra.Command{
		Use:   "ack [alert-id...]",
		Short: "Acknowledge alerts",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAck,
	}
	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Follow alerts in realtime until interrupted",
		RunE:  runWatch,
	}
)

func init() {
	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "", "account email")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password (read from OHMGUARD_PASSWORD or stdin when empty)")
	listCmd.Flags().StringVarP(&statusFlag, "status", "s", "", "only alerts with this status (NEW, ACK, RESOLVED, FALSE_ALARM)")
	watchCmd.Flags().StringVarP(&statusFlag, "status", "s", "", "only show alerts with this status")
	rootCmd.AddCommand(loginCmd, logoutCmd, listCmd, showCmd, ackCmd, watchCmd)
}

func runLogin(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	password := loginPassword
	if password == "" {
		password = os.Getenv("OHMGUARD_PASSWORD")
	}
	if password == "" {
		if password, err = prompt(cmd.InOrStdin(), cmd.ErrOrStderr(), "Password: "); err != nil {
			return err
		}
	}
	s, err := a.engine.Login(ctx, loginEmail, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s, tenant %s)\n", displayName(s.FullName, s.UserID), s.Role, s.TenantID)
	if st, err := a.engine.Alerts(); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%d new alert(s)\n", st.PendingCount())
	}
	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	// Restoring first lets logout unregister push with a live token.
	if _, err := a.engine.Start(ctx); err != nil && !errors.Is(err, engine.ErrNoSession) {
		a.logger.Warn("alertctl: could not restore session before logout", "error", err)
	}
	if err := a.engine.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	filter, err := domain.ParseStatusFilter(statusFlag)
	if err != nil {
		return err
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.start(ctx); err != nil {
		return err
	}
	st, err := a.engine.Alerts()
	if err != nil {
		return err
	}
	if err := st.Load(ctx, filter); err != nil {
		return err
	}
	printAlerts(cmd.OutOrStdout(), st.Visible())
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.start(ctx); err != nil {
		return err
	}
	alert, err := a.engine.Detail(ctx, args[0])
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "ID:        %s\n", alert.ID)
	fmt.Fprintf(w, "Type:      %s\n", alert.Type)
	fmt.Fprintf(w, "Status:    %s\n", alert.Status)
	fmt.Fprintf(w, "Severity:  %s\n", alert.Severity)
	fmt.Fprintf(w, "Occurred:  %s (%s ago)\n", alert.OccurredAt.Local().Format(time.DateTime), time.Since(alert.OccurredAt).Round(time.Second))
	fmt.Fprintf(w, "Location:  %s\n", orDash(alert.Location.Path()))
	fmt.Fprintf(w, "Device:    %s\n", orDash(strings.TrimSpace(alert.Device.Name+" "+alert.Device.Serial)))
	return nil
}

func runAck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.start(ctx); err != nil {
		return err
	}

	var failed int
	for _, id := range args {
		err := a.engine.Acknowledge(ctx, id)
		switch {
		case err == nil:
			fmt.Fprintf(cmd.OutOrStdout(), "%s acknowledged\n", id)
		case errors.Is(err, store.ErrUnknownAlert):
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: no such alert\n", id)
		case engine.IsSessionExpired(err):
			return fmt.Errorf("session expired: run alertctl login")
		default:
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d acknowledgement(s) failed", failed, len(args))
	}
	return nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	filter, err := domain.ParseStatusFilter(statusFlag)
	if err != nil {
		return err
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.start(ctx); err != nil {
		return err
	}
	st, err := a.engine.Alerts()
	if err != nil {
		return err
	}
	st.SetStatusFilter(filter)

	if addr := a.cfg.MetricsAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: a.metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("alertctl: metrics server", "error", err)
			}
		}()
		defer srv.Close()
		a.logger.Info("alertctl: serving metrics", "addr", addr)
	}

	out := cmd.OutOrStdout()
	printAlerts(out, st.Visible())
	seen := make(map[string]domain.Status)
	for _, alert := range st.Visible() {
		seen[alert.ID] = alert.Status
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case reason := <-a.engine.SessionEnded():
			if reason != nil {
				return fmt.Errorf("session ended: %w", reason)
			}
			return nil
		case _, ok := <-st.Changes():
			if !ok {
				return nil
			}
			for _, alert := range st.Visible() {
				prev, known := seen[alert.ID]
				switch {
				case !known:
					fmt.Fprintf(out, "%s NEW ALERT %s %s %s at %s\n", stamp(), alert.ID, alert.Type, alert.Severity, orDash(alert.Location.Path()))
				case prev != alert.Status:
					fmt.Fprintf(out, "%s %s %s -> %s\n", stamp(), alert.ID, prev, alert.Status)
				}
				seen[alert.ID] = alert.Status
			}
		}
	}
}

func printAlerts(w io.Writer, alerts []domain.Alert) {
	if len(alerts) == 0 {
		fmt.Fprintln(w, "No alerts")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tSEVERITY\tOCCURRED\tLOCATION")
	for _, a := range alerts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.Type, a.Status, a.Severity,
			a.OccurredAt.Local().Format(time.DateTime), orDash(a.Location.Path()))
	}
	tw.Flush()
}

func prompt(in io.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func displayName(name, fallback string) string {
	if strings.TrimSpace(name) == "" {
		return fallback
	}
	return name
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func stamp() string {
	return time.Now().Format(time.TimeOnly)
}
