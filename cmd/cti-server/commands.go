package main

import (
    "context"
    "fmt"
    "os"
    "time"

    "github.com/fatih/color"
    "github.com/olekukonko/tablewriter"
    "github.com/spf13/cobra"

    "github.com/riverside-tel/orange-cti/internal/ami"
    appconfig "github.com/riverside-tel/orange-cti/internal/config"
    "github.com/riverside-tel/orange-cti/internal/persistence"
    "github.com/riverside-tel/orange-cti/pkg/logger"
)

var (
    green = color.New(color.FgGreen).SprintFunc()
    red   = color.New(color.FgRed).SprintFunc()
)

// initializeForCLI loads configuration and logging the same way the
// running server does, for commands that are invoked as one-shot
// separate processes rather than against a live server's memory.
func initializeForCLI() (*appconfig.Config, error) {
    c, err := appconfig.Load(configFile)
    if err != nil {
        return nil, fmt.Errorf("failed to load config: %w", err)
    }

    logConfig := logger.Config{
        Level:  c.Monitoring.Logging.Level,
        Format: "text",
        Output: "stdout",
    }
    if logConfig.Level == "" {
        logConfig.Level = "info"
    }
    if err := logger.Init(logConfig); err != nil {
        return nil, fmt.Errorf("failed to initialize logger: %w", err)
    }

    return c, nil
}

func openStoreForCLI(c *appconfig.Config) (*persistence.MySQLStore, error) {
    return persistence.Open(persistence.Config{
        Host:            c.Database.Host,
        Port:            c.Database.Port,
        Username:        c.Database.Username,
        Password:        c.Database.Password,
        Database:        c.Database.Database,
        Charset:         c.Database.Charset,
        MaxOpenConns:    c.Database.MaxOpenConns,
        MaxIdleConns:    c.Database.MaxIdleConns,
        ConnMaxLifetime: c.Database.ConnMaxLifetime,
        RetryAttempts:   c.Database.RetryAttempts,
        RetryDelay:      c.Database.RetryDelay,
    })
}

// createSessionsCommand inspects connected agent sessions via the open
// session log rather than a running process's in-memory registry, since
// the CLI and the server are separate processes (the teacher's own
// `provider list` etc. commands read straight from the database too).
func createSessionsCommand() *cobra.Command {
    sessionsCmd := &cobra.Command{
        Use:   "sessions",
        Short: "Inspect agent sessions",
    }
    sessionsCmd.AddCommand(createSessionsListCommand())
    return sessionsCmd
}

func createSessionsListCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "list",
        Short: "List currently logged-in agent sessions",
        RunE: func(cmd *cobra.Command, args []string) error {
            c, err := initializeForCLI()
            if err != nil {
                return err
            }
            store, err := openStoreForCLI(c)
            if err != nil {
                return fmt.Errorf("failed to connect to database: %w", err)
            }
            defer store.Close()

            rows, err := store.DB().QueryContext(context.Background(), `
                SELECT acd_agent.name, acd_log_agent_session.login_time, acd_agent_exten_map.extension
                FROM acd_log_agent_session
                JOIN acd_agent ON acd_agent.acd_agent_id = acd_log_agent_session.acd_agent_id
                LEFT JOIN acd_agent_exten_map ON acd_agent_exten_map.acd_agent_exten_map_id = acd_log_agent_session.acd_agent_exten_map_id
                WHERE acd_log_agent_session.logout_time IS NULL`)
            if err != nil {
                return fmt.Errorf("failed to list sessions: %w", err)
            }
            defer rows.Close()

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Username", "Extension", "Login Time"})
            table.SetBorder(false)

            count := 0
            for rows.Next() {
                var username, extension string
                var loginTime time.Time
                if err := rows.Scan(&username, &loginTime, &extension); err != nil {
                    return err
                }
                table.Append([]string{username, extension, loginTime.Format(time.RFC3339)})
                count++
            }

            if count == 0 {
                fmt.Println("No agents currently logged in")
                return nil
            }

            table.Render()
            return nil
        },
    }
}

func createGroupsCommand() *cobra.Command {
    groupsCmd := &cobra.Command{
        Use:   "groups",
        Short: "Inspect queue groups",
    }
    groupsCmd.AddCommand(createGroupsListCommand())
    return groupsCmd
}

func createGroupsListCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "list",
        Short: "List configured queues and their current member counts",
        RunE: func(cmd *cobra.Command, args []string) error {
            c, err := initializeForCLI()
            if err != nil {
                return err
            }
            store, err := openStoreForCLI(c)
            if err != nil {
                return fmt.Errorf("failed to connect to database: %w", err)
            }
            defer store.Close()

            rows, err := store.DB().QueryContext(context.Background(), `
                SELECT acd_queue.name, COUNT(DISTINCT acd_log_agent_session.acd_agent_id)
                FROM acd_queue
                LEFT JOIN acd_agent_group ON acd_agent_group.acd_queue_id = acd_queue.acd_queue_id
                LEFT JOIN acd_log_agent_session ON acd_log_agent_session.acd_agent_id = acd_agent_group.acd_agent_id
                    AND acd_log_agent_session.logout_time IS NULL
                GROUP BY acd_queue.name`)
            if err != nil {
                return fmt.Errorf("failed to list groups: %w", err)
            }
            defer rows.Close()

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Group", "Logged-in Members"})
            table.SetBorder(false)

            for rows.Next() {
                var name string
                var count int
                if err := rows.Scan(&name, &count); err != nil {
                    return err
                }
                table.Append([]string{name, fmt.Sprintf("%d", count)})
            }

            table.Render()
            return nil
        },
    }
}

func createAMICommand() *cobra.Command {
    amiCmd := &cobra.Command{
        Use:   "ami",
        Short: "Inspect the Asterisk Manager connection",
    }
    amiCmd.AddCommand(createAMIPingCommand())
    return amiCmd
}

func createAMIPingCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "ping",
        Short: "Connect to Asterisk and send a Ping action",
        RunE: func(cmd *cobra.Command, args []string) error {
            c, err := initializeForCLI()
            if err != nil {
                return err
            }

            mgr := ami.New(ami.Config{
                Host:              c.Asterisk.Host,
                Port:              c.Asterisk.Port,
                Username:          c.Asterisk.Username,
                Secret:            c.Asterisk.Secret,
                ReconnectInterval: c.Asterisk.ReconnectInterval,
                ActionTimeout:     c.Asterisk.ActionTimeout,
                EventBufferSize:   c.Asterisk.EventBufferSize,
            })

            ctx, cancel := context.WithTimeout(context.Background(), c.Asterisk.ActionTimeout+5*time.Second)
            defer cancel()

            if err := mgr.Connect(ctx); err != nil {
                fmt.Println(red("Connection failed:"), err)
                return err
            }
            defer mgr.Close()

            start := time.Now()
            resp, err := mgr.SendAction(ctx, "Ping", nil)
            if err != nil {
                fmt.Println(red("Ping failed:"), err)
                return err
            }

            fmt.Printf("%s response=%s round-trip=%s\n", green("Ping ok"), resp["Response"], time.Since(start))
            return nil
        },
    }
}
