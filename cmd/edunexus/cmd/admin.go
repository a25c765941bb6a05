package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"edunexus.org/internal/auth"
	"edunexus.org/internal/config"
	"edunexus.org/internal/tenant"
)

const cliActor = "cli"

// withAdmin opens the postgres store and wires the core without a token service.
func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, st *stores, c *core) error) error {
	if cfg.Database.Store != config.StorePostgres {
		return errors.New("admin commands require database.store=postgres")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	pgStore, err := openPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	st := &stores{backend: pgStore, principals: pgStore.Principals(), sessions: pgStore.Sessions(), pg: pgStore}
	defer st.Close()
	c, err := newCore(cfg, st, nil)
	if err != nil {
		return err
	}
	return fn(ctx, st, c)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired and long-revoked sessions once",
	Long:  `Runs one session sweep, the same one serve runs every auth.sweep_interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		st, err := openStores(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		c, err := newCore(cfg, st, tokenConfig(cfg))
		if err != nil {
			return err
		}
		n, err := c.sessions.SweepExpired(ctx, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d sessions\n", n)
		return nil
	},
}

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Tenant management commands",
}

var (
	tenantID     string
	tenantName   string
	tenantSlug   string
	tenantStatus string
)

var tenantCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, st *stores, _ *core) error {
			t := &tenant.Tenant{
				ID:     strings.TrimSpace(tenantID),
				Name:   strings.TrimSpace(tenantName),
				Slug:   strings.TrimSpace(tenantSlug),
				Status: tenantStatus,
			}
			if t.Slug == "" {
				t.Slug = t.ID
			}
			if err := st.backend.CreateTenant(ctx, t); err != nil {
				return fmt.Errorf("create tenant: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created tenant %s\n", t.ID)
			return nil
		})
	},
}

var principalCmd = &cobra.Command{
	Use:   "principal",
	Short: "Principal management commands",
}

var (
	principalEmail  string
	principalRole   string
	principalTenant string
)

var principalCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a principal",
	Long: `Provisions a principal with the given role. The password is read from
EDUNEXUS_BOOTSTRAP_PASSWORD so it never lands in shell history.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		password := os.Getenv("EDUNEXUS_BOOTSTRAP_PASSWORD")
		if password == "" {
			return errors.New("EDUNEXUS_BOOTSTRAP_PASSWORD is required")
		}
		return withAdmin(cmd, func(ctx context.Context, st *stores, c *core) error {
			p, err := auth.Provision(ctx, st.principals, c.registry, auth.NewPrincipal{
				Email:    principalEmail,
				Password: password,
				Role:     auth.Role(principalRole),
				TenantID: principalTenant,
			})
			if err != nil {
				return fmt.Errorf("provision principal: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created principal %s (%s)\n", p.ID, p.Role)
			return nil
		})
	},
}

var principalDeactivateCmd = &cobra.Command{
	Use:   "deactivate <principal-id>",
	Short: "Deactivate a principal and revoke its sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, st *stores, _ *core) error {
			if err := st.principals.UpdateStatus(ctx, args[0], auth.StatusDeactivated); err != nil {
				return fmt.Errorf("deactivate: %w", err)
			}
			n, err := st.sessions.RevokeAll(ctx, args[0], time.Now().UTC())
			if err != nil {
				return fmt.Errorf("revoke sessions: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deactivated %s, revoked %d sessions\n", args[0], n)
			return nil
		})
	},
}

var accessCmd = &cobra.Command{
	Use:   "access",
	Short: "Cross-tenant access grants",
}

var (
	accessPrincipal string
	accessTenant    string
	accessLevel     string
)

var accessGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant a multi-tenant principal access to a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := tenant.ParseLevel(accessLevel)
		if err != nil {
			return err
		}
		return withAdmin(cmd, func(ctx context.Context, st *stores, c *core) error {
			grantee, err := st.principals.Find(ctx, accessPrincipal)
			if err != nil {
				return fmt.Errorf("find principal: %w", err)
			}
			g, err := c.access.GrantAccess(ctx, grantee, accessTenant, level, cliActor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %s %s access to %s\n", g.PrincipalID, g.Level, g.TenantID)
			return nil
		})
	},
}

var accessRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke a cross-tenant grant",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, _ *stores, c *core) error {
			if err := c.access.RevokeAccess(ctx, accessPrincipal, accessTenant, cliActor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s access to %s\n", accessPrincipal, accessTenant)
			return nil
		})
	},
}

var accessListCmd = &cobra.Command{
	Use:   "list",
	Short: "List grants of a principal",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(cmd, func(ctx context.Context, _ *stores, c *core) error {
			grants, err := c.access.ListGrants(ctx, accessPrincipal)
			if err != nil {
				return err
			}
			for _, g := range grants {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", g.TenantID, g.Level, g.GrantedAt.Format(time.RFC3339))
			}
			return nil
		})
	},
}

func init() {
	tenantCreateCmd.Flags().StringVar(&tenantID, "id", "", "Tenant id")
	tenantCreateCmd.Flags().StringVar(&tenantName, "name", "", "Display name")
	tenantCreateCmd.Flags().StringVar(&tenantSlug, "slug", "", "URL slug (defaults to the id)")
	tenantCreateCmd.Flags().StringVar(&tenantStatus, "status", tenant.TenantActive, "active, suspended or archived")
	_ = tenantCreateCmd.MarkFlagRequired("id")
	_ = tenantCreateCmd.MarkFlagRequired("name")
	tenantCmd.AddCommand(tenantCreateCmd)

	principalCreateCmd.Flags().StringVar(&principalEmail, "email", "", "Login email")
	principalCreateCmd.Flags().StringVar(&principalRole, "role", "", "Role name, e.g. director")
	principalCreateCmd.Flags().StringVar(&principalTenant, "tenant", "", "Home tenant (empty for platform-wide roles)")
	_ = principalCreateCmd.MarkFlagRequired("email")
	_ = principalCreateCmd.MarkFlagRequired("role")
	principalCmd.AddCommand(principalCreateCmd, principalDeactivateCmd)

	accessCmd.PersistentFlags().StringVar(&accessPrincipal, "principal", "", "Principal id")
	accessGrantCmd.Flags().StringVar(&accessTenant, "tenant", "", "Target tenant")
	accessGrantCmd.Flags().StringVar(&accessLevel, "level", string(tenant.LevelRead), "read, write or admin")
	accessRevokeCmd.Flags().StringVar(&accessTenant, "tenant", "", "Target tenant")
	_ = accessCmd.MarkPersistentFlagRequired("principal")
	_ = accessGrantCmd.MarkFlagRequired("tenant")
	_ = accessRevokeCmd.MarkFlagRequired("tenant")
	accessCmd.AddCommand(accessGrantCmd, accessRevokeCmd, accessListCmd)
}
