package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rosterline/internal/analytics"
	"rosterline/internal/config"
	"rosterline/internal/db"
	"rosterline/internal/domain"
	"rosterline/internal/engine"
	"rosterline/internal/engine/auth"
	"rosterline/internal/migrate"
	"rosterline/internal/repo"
	"rosterline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Rosterline CLI",
	Long: `Rosterline schedules musicians onto events and keeps the workload fair.
- Workspace: your .rosterline directory holding the database and config.
- Musicians: the people registry; each is ACTIVE, INACTIVE, or UNAVAILABLE for an interval.
- Events: services, conferences, cells, and specials, each with a repertoire of songs.
- Rosters: one musician bound to one event, at most once; entries are confirmed by the musician or a leader.
- Analytics: overload alerts, most/least-booked rankings, and song rotation suggestions.
- Activity log: diary of changes, view with 'rl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ROSTERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(musicianCmd())
	rootCmd.AddCommand(instrumentCmd())
	rootCmd.AddCommand(songCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(analyticsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// localPrincipal is the identity used for direct CLI access. The local
// operator owns the database file, so role checks are not the gate here.
func localPrincipal() auth.Principal {
	return auth.Principal{
		MusicianID: viper.GetString("actor-id"),
		Role:       auth.RoleAdmin,
		Source:     "cli",
	}
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialise a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default("rosterline")
			if name != "" {
				cfg.Group.Name = name
			}
			if err := cfg.Save(workspace); err != nil {
				return err
			}
			fmt.Printf("Initialised workspace at %s\n", db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "group name")
	return cmd
}

func musicianCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "musician",
		Short: "Manage musicians",
		Long:  "Musicians are the schedulable people. Each has a status (ACTIVE, INACTIVE, UNAVAILABLE with an interval) and may carry an instrument.",
	}
	m.AddCommand(musicianAddCmd())
	m.AddCommand(musicianListCmd())
	m.AddCommand(musicianShowCmd())
	m.AddCommand(musicianUpdateCmd())
	m.AddCommand(musicianAvailabilityCmd())
	m.AddCommand(musicianDeleteCmd())
	m.AddCommand(musicianRostersCmd())
	return m
}

func musicianAddCmd() *cobra.Command {
	var name, email, phone, address, instrument string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a musician",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMusician(ctx, engine.MusicianCreateOptions{
					Name:       name,
					Email:      email,
					Phone:      phone,
					Address:    address,
					Instrument: instrument,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&address, "address", "", "address")
	cmd.Flags().StringVar(&instrument, "instrument", "", "instrument name")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func musicianListCmd() *cobra.Command {
	var status, instrumentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List musicians",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMusicians(ctx, repo.MusicianFilters{
					Status:       status,
					InstrumentID: instrumentID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Status", "Unavailable"})
				for _, m := range items {
					interval := ""
					if m.UnavailableFrom != nil && m.UnavailableUntil != nil {
						interval = *m.UnavailableFrom + " .. " + *m.UnavailableUntil
					}
					tw.AppendRow(table.Row{m.ID, m.Name, m.Email, m.Status, interval})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (ACTIVE, INACTIVE, UNAVAILABLE)")
	cmd.Flags().StringVar(&instrumentID, "instrument-id", "", "filter by instrument id")
	return cmd
}

func musicianShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <musician-id>",
		Short: "Show a musician",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				m, err := r.GetMusician(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func musicianUpdateCmd() *cobra.Command {
	var name, email, phone, address, instrument string
	var clearInstrument bool
	cmd := &cobra.Command{
		Use:   "update <musician-id>",
		Short: "Update a musician",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.MusicianUpdateOptions{
				ID:              args[0],
				ClearInstrument: clearInstrument,
				ActorID:         viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("email") {
				opts.Email = &email
			}
			if cmd.Flags().Changed("phone") {
				opts.Phone = &phone
			}
			if cmd.Flags().Changed("address") {
				opts.Address = &address
			}
			if cmd.Flags().Changed("instrument") {
				opts.Instrument = &instrument
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateMusician(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&address, "address", "", "address")
	cmd.Flags().StringVar(&instrument, "instrument", "", "instrument name")
	cmd.Flags().BoolVar(&clearInstrument, "clear-instrument", false, "detach the instrument")
	return cmd
}

func musicianAvailabilityCmd() *cobra.Command {
	var status, from, until, reason string
	cmd := &cobra.Command{
		Use:   "availability <musician-id>",
		Short: "Set availability state",
		Long:  "ACTIVE and INACTIVE clear the interval; UNAVAILABLE requires --from and --until (YYYY-MM-DD) and holds until explicitly changed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SetAvailability(ctx, engine.AvailabilityOptions{
					ID:      args[0],
					Status:  status,
					From:    from,
					Until:   until,
					Reason:  reason,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "ACTIVE, INACTIVE, or UNAVAILABLE")
	cmd.Flags().StringVar(&from, "from", "", "first unavailable day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "last unavailable day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for unavailability")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func musicianDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <musician-id>",
		Short: "Delete a musician",
		Long:  "Fails while any roster entry still references the musician.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteMusician(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func musicianRostersCmd() *cobra.Command {
	var future, confirmed bool
	cmd := &cobra.Command{
		Use:   "rosters <musician-id>",
		Short: "List a musician's roster entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListByMusician(ctx, args[0], future, confirmed)
				if err != nil {
					return err
				}
				return printRosterEntries(items)
			})
		},
	}
	cmd.Flags().BoolVar(&future, "future", false, "only future events")
	cmd.Flags().BoolVar(&confirmed, "confirmed", false, "only confirmed entries")
	return cmd
}

func instrumentCmd() *cobra.Command {
	i := &cobra.Command{Use: "instrument", Short: "Instruments"}
	i.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List instruments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListInstruments(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return i
}

func songCmd() *cobra.Command {
	s := &cobra.Command{Use: "song", Short: "Manage the song catalog"}
	s.AddCommand(songAddCmd())
	s.AddCommand(songListCmd())
	s.AddCommand(songUsageCmd())
	s.AddCommand(songDeleteCmd())
	return s
}

func songAddCmd() *cobra.Command {
	var title, artist, key, chart, youtube string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a song",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSong(ctx, engine.SongOptions{
					Title:       title,
					Artist:      artist,
					Key:         key,
					ChartLink:   chart,
					YoutubeLink: youtube,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "song title")
	cmd.Flags().StringVar(&artist, "artist", "", "artist")
	cmd.Flags().StringVar(&key, "key", "", "musical key")
	cmd.Flags().StringVar(&chart, "chart", "", "chart link")
	cmd.Flags().StringVar(&youtube, "youtube", "", "youtube link")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("artist")
	return cmd
}

func songListCmd() *cobra.Command {
	var search string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List songs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSongs(ctx, search)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Artist", "Key"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Title, s.Artist, s.Key})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "match title or artist")
	return cmd
}

func songUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Song usage counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSongUsage(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Title", "Artist", "Times scheduled"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.Song.Title, u.Song.Artist, u.UsageCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func songDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <song-id>",
		Short: "Delete a song",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteSong(ctx, args[0])
			})
		},
	}
	return cmd
}

func eventCmd() *cobra.Command {
	e := &cobra.Command{
		Use:   "event",
		Short: "Manage events",
		Long:  "Events carry a category (service, conference, cell, special), a schedule, and an optional repertoire of songs.",
	}
	e.AddCommand(eventAddCmd())
	e.AddCommand(eventListCmd())
	e.AddCommand(eventShowCmd())
	e.AddCommand(eventSongsCmd())
	e.AddCommand(eventDeleteCmd())
	e.AddCommand(eventRostersCmd())
	return e
}

func eventAddCmd() *cobra.Command {
	var name, category, scheduledAt, location, description string
	var songIDs []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.CreateEvent(ctx, engine.EventCreateOptions{
					Name:        name,
					Category:    category,
					ScheduledAt: scheduledAt,
					Location:    location,
					Description: description,
					SongIDs:     songIDs,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "event name")
	cmd.Flags().StringVar(&category, "category", "service", "service, conference, cell, or special")
	cmd.Flags().StringVar(&scheduledAt, "at", "", "schedule (RFC3339, e.g. 2030-01-05T10:00:00Z)")
	cmd.Flags().StringVar(&location, "location", "", "location")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringSliceVar(&songIDs, "song", nil, "song id (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func eventListCmd() *cobra.Command {
	var category, from, to string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEvents(ctx, repo.EventFilters{
					Category: category,
					From:     from,
					To:       to,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Category", "Scheduled", "Location"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.Name, ev.Category, ev.ScheduledAt, ev.Location})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().StringVar(&from, "from", "", "events at or after (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "events before (RFC3339)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func eventShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ev, err := r.GetEvent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	return cmd
}

func eventSongsCmd() *cobra.Command {
	var add, remove []string
	cmd := &cobra.Command{
		Use:   "songs <event-id>",
		Short: "Adjust an event's repertoire",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(add) == 0 && len(remove) == 0 {
				return fmt.Errorf("--add or --remove required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.UpdateEvent(ctx, engine.EventUpdateOptions{
					ID:          args[0],
					AddSongs:    add,
					RemoveSongs: remove,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringSliceVar(&add, "add", nil, "song id to add (repeatable)")
	cmd.Flags().StringSliceVar(&remove, "remove", nil, "song id to remove (repeatable)")
	return cmd
}

func eventDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <event-id>",
		Short: "Delete an event and its roster entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteEvent(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func eventRostersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rosters <event-id>",
		Short: "List an event's roster entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListByEvent(ctx, args[0])
				if err != nil {
					return err
				}
				return printRosterEntries(items)
			})
		},
	}
	return cmd
}

func rosterCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "roster",
		Short: "Manage roster entries",
		Long:  "A roster entry binds one musician to one event, at most once. Assignment checks the musician's availability against the event date.",
	}
	r.AddCommand(rosterAssignCmd())
	r.AddCommand(rosterConfirmCmd())
	r.AddCommand(rosterUnassignCmd())
	return r
}

func rosterAssignCmd() *cobra.Command {
	var musicianID, eventID, instrument, note string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a musician to an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rs, err := e.Assign(ctx, engine.AssignOptions{
					MusicianID: musicianID,
					EventID:    eventID,
					Instrument: instrument,
					Note:       note,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rs)
			})
		},
	}
	cmd.Flags().StringVar(&musicianID, "musician", "", "musician id")
	cmd.Flags().StringVar(&eventID, "event", "", "event id")
	cmd.Flags().StringVar(&instrument, "instrument", "", "instrument for this entry")
	cmd.Flags().StringVar(&note, "note", "", "note")
	_ = cmd.MarkFlagRequired("musician")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func rosterConfirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm <roster-id>",
		Short: "Confirm a roster entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rs, err := e.Confirm(ctx, args[0], localPrincipal())
				if err != nil {
					return err
				}
				return printJSONOrTable(rs)
			})
		},
	}
	return cmd
}

func rosterUnassignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unassign <roster-id>",
		Short: "Remove a roster entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Unassign(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func analyticsCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "analytics",
		Short: "Workload and repertoire analytics",
	}
	a.AddCommand(analyticsOverloadCmd())
	a.AddCommand(analyticsMostBookedCmd())
	a.AddCommand(analyticsLeastBookedCmd())
	a.AddCommand(analyticsRotationCmd())
	a.AddCommand(analyticsDashboardCmd())
	return a
}

func analyticsOverloadCmd() *cobra.Command {
	var threshold, windowDays int
	cmd := &cobra.Command{
		Use:   "overload",
		Short: "Musicians with too many closely-spaced bookings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAnalytics(cmd.Context(), func(ctx context.Context, e engine.Engine, al analytics.Engine) error {
				if threshold == 0 {
					threshold = e.Config.Analytics.OverloadThreshold
				}
				if windowDays == 0 {
					windowDays = e.Config.Analytics.OverloadWindowDays
				}
				alerts, err := al.OverloadAlerts(ctx, threshold, windowDays)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(alerts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Musician", "Max streak"})
				for _, a := range alerts {
					tw.AppendRow(table.Row{a.Musician.Name, a.MaxStreak})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&threshold, "threshold", 0, "bookings that count as overload")
	cmd.Flags().IntVar(&windowDays, "window-days", 0, "max gap between bookings in a streak")
	return cmd
}

func analyticsMostBookedCmd() *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "most-booked",
		Short: "Most-booked active musicians",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAnalytics(cmd.Context(), func(ctx context.Context, e engine.Engine, al analytics.Engine) error {
				if top == 0 {
					top = e.Config.Analytics.TopN
				}
				items, err := al.MostBooked(ctx, top)
				if err != nil {
					return err
				}
				return printRanking(items)
			})
		},
	}
	cmd.Flags().IntVar(&top, "top", 0, "number of rows")
	return cmd
}

func analyticsLeastBookedCmd() *cobra.Command {
	var top, windowDays int
	cmd := &cobra.Command{
		Use:   "least-booked",
		Short: "Least-booked active musicians over a recent window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAnalytics(cmd.Context(), func(ctx context.Context, e engine.Engine, al analytics.Engine) error {
				if top == 0 {
					top = e.Config.Analytics.TopN
				}
				if windowDays == 0 {
					windowDays = 30
				}
				to := time.Now().UTC()
				from := to.AddDate(0, 0, -windowDays)
				items, err := al.LeastBooked(ctx, from, to, top)
				if err != nil {
					return err
				}
				return printRanking(items)
			})
		},
	}
	cmd.Flags().IntVar(&top, "top", 0, "number of rows")
	cmd.Flags().IntVar(&windowDays, "window-days", 0, "window size in days (default 30)")
	return cmd
}

func analyticsRotationCmd() *cobra.Command {
	var top, cooldownDays int
	cmd := &cobra.Command{
		Use:   "rotation",
		Short: "Songs resting long enough to schedule again",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAnalytics(cmd.Context(), func(ctx context.Context, e engine.Engine, al analytics.Engine) error {
				if top == 0 {
					top = e.Config.Analytics.TopN
				}
				if cooldownDays == 0 {
					cooldownDays = e.Config.Analytics.RotationCooldownDays
				}
				items, err := al.RotationSuggestions(ctx, cooldownDays, top)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Title", "Artist", "Times scheduled"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Song.Title, s.Song.Artist, s.UsageCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&top, "top", 0, "number of rows")
	cmd.Flags().IntVar(&cooldownDays, "cooldown-days", 0, "days a song rests after being played")
	return cmd
}

func analyticsDashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Summary counters and the next event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAnalytics(cmd.Context(), func(ctx context.Context, e engine.Engine, al analytics.Engine) error {
				s, err := al.Summary(ctx, localPrincipal())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Musicians: %d\n", s.TotalMusicians)
				fmt.Printf("Songs: %d\n", s.TotalSongs)
				fmt.Printf("Future events: %d\n", s.FutureEvents)
				fmt.Printf("Rosters this month: %d\n", s.RostersThisMonth)
				if s.NextEvent != nil {
					fmt.Printf("Next event: %s at %s\n", s.NextEvent.Name, s.NextEvent.ScheduledAt)
				} else {
					fmt.Println("Next event: none")
				}
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var musicianID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		Long:  "Prints the plaintext key exactly once; only its hash is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetMusician(ctx, musicianID); err != nil {
					return err
				}
				secret, err := server.NewAPIKeySecret()
				if err != nil {
					return err
				}
				key := domain.APIKey{
					ID:         uuid.New().String(),
					MusicianID: musicianID,
					Role:       auth.ParseRole(role).String(),
					Name:       name,
					KeyHash:    repo.HashAPIKey(secret),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("API key created for %s (role %s):\n%s\n", musicianID, key.Role, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&musicianID, "musician", "", "musician the key acts as")
	cmd.Flags().StringVar(&role, "role", "musician", "musician, leader, or admin")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("musician")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var musicianID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, musicianID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Musician", "Role", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.MusicianID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&musicianID, "musician", "", "filter by musician id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Activity log",
		Long:  "The diary of everything that happened: assignments, confirmations, availability changes, and more.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail the activity log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestActivity(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&evtType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "filter by entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "filter by entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("ROSTERLINE_JWT_SECRET"),
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ROSTERLINE_JWT_SECRET (or auth.jwt_secret in config) is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Rosterline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withAnalytics(ctx context.Context, fn func(context.Context, engine.Engine, analytics.Engine) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e, analytics.New(e.Repo))
	})
}

func printRosterEntries(items []domain.RosterEntry) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Musician", "Event", "Scheduled", "Confirmed"})
	for _, rs := range items {
		tw.AppendRow(table.Row{rs.ID, rs.MusicianID, rs.EventName, rs.ScheduledAt, rs.Confirmed})
	}
	tw.Render()
	return nil
}

func printRanking(items []analytics.RankingEntry) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Musician", "Bookings"})
	for _, entry := range items {
		tw.AppendRow(table.Row{entry.Musician.Name, entry.Count})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
