package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"incident-dispatch-go/internal/models"
	"incident-dispatch-go/internal/store"
)

var (
	userName     string
	userPassword string
	userRole     string
	userPhone    string
	userAgency   int
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a user",
	RunE:  runUserAdd,
}

func init() {
	userAddCmd.Flags().StringVar(&userName, "username", "", "login name")
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "password")
	userAddCmd.Flags().StringVar(&userRole, "role", string(models.RoleCitizen), "citizen, responder, dispatcher or admin")
	userAddCmd.Flags().StringVar(&userPhone, "phone", "", "phone number for SMS alerts")
	userAddCmd.Flags().IntVar(&userAgency, "agency", 0, "agency id")
	userAddCmd.MarkFlagRequired("username")
	userAddCmd.MarkFlagRequired("password")

	userCmd.AddCommand(userAddCmd)
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	role := models.Role(userRole)
	switch role {
	case models.RoleCitizen, models.RoleResponder, models.RoleDispatcher, models.RoleAdmin:
	default:
		return fmt.Errorf("unknown role %q", userRole)
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	pgStore, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pgStore.Close()

	ctx := cmd.Context()
	if err := pgStore.RunMigrations(ctx); err != nil {
		return err
	}
	u, err := pgStore.CreateUser(ctx, userName, userPassword, role, userPhone, userAgency)
	if err != nil {
		return err
	}
	fmt.Printf("created user %d (%s, %s)\n", u.ID, u.Username, u.Role)
	return nil
}
