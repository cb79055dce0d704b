package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adamscao/nodetrust/internal/app"
	"github.com/adamscao/nodetrust/internal/auth"
	"github.com/adamscao/nodetrust/internal/config"
	"github.com/adamscao/nodetrust/internal/csr"
	"github.com/adamscao/nodetrust/internal/errs"
	"github.com/adamscao/nodetrust/internal/logging"
	"github.com/adamscao/nodetrust/pkg/certutil"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        *config.Config
	instance   *app.App
)

var rootCmd = &cobra.Command{
	Use:   "admin",
	Short: "nodetrust administration tool",
	Long:  "Administrative tool for managing the instance CA, node CSRs, web users and audit logs",
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the instance certificate authority",
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the instance root CA",
	RunE:  initCA,
}

var caShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the instance root CA certificate",
	RunE:  showCA,
}

var caAddRemoteCmd = &cobra.Command{
	Use:   "add-remote <name> <cert-file>",
	Short: "Trust the CA certificate of a remote instance",
	Args:  cobra.ExactArgs(2),
	RunE:  addRemoteCA,
}

var csrCmd = &cobra.Command{
	Use:   "csr",
	Short: "Manage node certificate signing requests",
}

var csrListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all CSRs",
	RunE:  listCSRs,
}

var csrApproveCmd = &cobra.Command{
	Use:   "approve <identity>",
	Short: "Sign a pending CSR",
	Args:  cobra.ExactArgs(1),
	RunE:  approveCSR,
}

var csrDenyCmd = &cobra.Command{
	Use:   "deny <identity>",
	Short: "Deny a pending CSR",
	Args:  cobra.ExactArgs(1),
	RunE:  denyCSR,
}

var csrDeleteCmd = &cobra.Command{
	Use:   "delete <identity>",
	Short: "Delete a CSR and its certificate",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteCSR,
}

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "List issued certificates",
	RunE:  listCerts,
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage web users",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a web user",
	RunE:  addUser,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all web users",
	RunE:  listUsers,
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete <username>",
	Short: "Delete a web user",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteUser,
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage token signing material",
}

var authRotateCmd = &cobra.Command{
	Use:   "rotate-secret",
	Short: "Replace the web secret key, invalidating every issued token after restart",
	RunE:  rotateSecret,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect audit logs",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	RunE:  listAudit,
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete audit log entries older than a given age",
	RunE:  pruneAudit,
}

var (
	username     string
	password     string
	groups       []string
	overwrite    bool
	generateTOTP bool

	auditSubject string
	auditAction  string
	auditLimit   int
	auditAge     string
	certLimit    int
	forceRemote  bool
)

func init() {
	// Root flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/nodetrust/config.yaml", "Config file path")

	// User add flags
	userAddCmd.Flags().StringVarP(&username, "username", "u", "", "Username (required)")
	userAddCmd.Flags().StringVarP(&password, "password", "p", "", "Password (required)")
	userAddCmd.Flags().StringSliceVarP(&groups, "group", "g", nil, "Group membership, repeatable")
	userAddCmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing user")
	userAddCmd.Flags().BoolVar(&generateTOTP, "generate-totp", false, "Require a TOTP code at login and print its secret")

	userAddCmd.MarkFlagRequired("username")
	userAddCmd.MarkFlagRequired("password")

	// Audit flags
	auditListCmd.Flags().StringVar(&auditSubject, "subject", "", "Filter by subject")
	auditListCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of entries")
	auditPruneCmd.Flags().StringVar(&auditAge, "older-than", "90d", "Age of the entries to delete (e.g. 30d, 12h)")
	certsCmd.Flags().IntVar(&certLimit, "limit", 100, "Maximum number of certificates")
	caAddRemoteCmd.Flags().BoolVar(&forceRemote, "force", false, "Replace a different certificate stored under the same name")

	// Add commands
	caCmd.AddCommand(caInitCmd, caShowCmd, caAddRemoteCmd)
	csrCmd.AddCommand(csrListCmd, csrApproveCmd, csrDenyCmd, csrDeleteCmd)
	userCmd.AddCommand(userAddCmd, userListCmd, userDeleteCmd)
	authCmd.AddCommand(authRotateCmd)
	auditCmd.AddCommand(auditListCmd, auditPruneCmd)
	rootCmd.AddCommand(caCmd, csrCmd, certsCmd, userCmd, authCmd, auditCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openInstance() error {
	// Load configuration
	var err error
	cfg, err = config.LoadWithEnv(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	logger, err := logging.New(logging.Config{Level: "warn", Format: "text"})
	if err != nil {
		return err
	}

	instance, err = app.Open(cfg, logger)
	if err != nil {
		return errors.Wrap(err, "failed to open instance")
	}

	return nil
}

func initCA(cmd *cobra.Command, args []string) error {
	if err := openInstance(); err != nil {
		return err
	}
	defer instance.Close()

	ca, err := instance.Certs.CreateRootCA(cfg.CA.Certificate)
	if err != nil {
		return errors.Wrap(err, "failed to create root ca")
	}

	fmt.Printf("Root CA created: %s\n", ca.Name)
	fmt.Printf("Subject:     %s\n", ca.Cert.Subject)
	fmt.Printf("Valid until: %s\n", ca.Cert.NotAfter.Format(time.RFC3339))
	fmt.Printf("Fingerprint: %s\n", certutil.Fingerprint(ca.Cert))
	return nil
}

func showCA(cmd *cobra.Command, args []string) error {
	if err := openInstance(); err != nil {
		return err
	}
	defer instance.Close()

	certPEM, err := instance.Certs.CACertificate()
	if err != nil {
		return err
	}

	fingerprint, err := certutil.FingerprintPEM(certPEM)
	if err != nil {
		return err
	}

	fmt.Printf("# %s\n%s", fingerprint, certPEM)
	return nil
}

func addRemoteCA(cmd *cobra.Command, args []string) error {
	if err := openInstance(); err != nil {
		return err
	}
	defer instance.Close()

	certPEM, err := os.ReadFile(args[1])
	if err != nil {
		return errors.Wrap(err, "failed to read certificate")
	}

	err = instance.Certs.SaveRemoteCert(args[0], certPEM, forceRemote)
	if errors.Is(err, errs.ErrAlreadyExists) {
		return errors.Wrap(err, "use --force to replace it")
	}
	if err != nil {
		return err
	}

	fmt.Printf("Remote CA %s stored\n", args[0])
	return nil
}

func listCSRs(cmd *cobra.Command, args []string) error {
	if err := openInstance(); err != nil {
		return err
	}
	defer instance.Close()

	records, err := instance.CSR.List()
	if err != nil {
		return errors.Wrap(err, "failed to list csrs")
	}

	if len(records) == 0 {
		fmt.Println("No CSRs found")
		return nil
	}

	fmt.Printf("\nTotal CSRs: %d\n\n", len(records))
	fmt.Printf("%-40s %-10s %-18s %s\n", "Identity", "Status", "Remote Address", "Updated")
	fmt.Println("--------------------------------------------------------------------------------")

	for _, rec := range records {
		fmt.Printf("%-40s %-10s %-18s %s\n",
			rec.Identity,
			rec.Status,
			rec.RemoteAddr,
			rec.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}

	return nil
}

func approveCSR(cmd *cobra.Command, args []string) error {
	if err := openInstance(); err != nil {
		return err
	}
	defer instance.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	certPEM, err := instance.CSR.Approve(ctx, args[0])
	if err != nil && certPEM == nil {
		return err
	}

	fingerprint, fpErr := certutil.FingerprintPEM(certPEM)
	if fpErr != nil {
		return fpErr
	}
	fmt.Printf("Approved %s (%s)\n", args[0], fingerprint)

	// the approval stands even if provisioning failed
	return err
}

func denyCSR(cmd *cobra.Command, args []string) error {
	if err := openInstance(); err != nil {
		return err
	}
	defer instance.Close()

	if err := instance.CSR.Deny(args[0]); err != nil {
		return err
	}

	fmt.Printf("Denied %s\n", args[0])
	return nil
}

func deleteCSR(cmd *cobra.Command, args []string) error {
	if err := openInstance(); err != nil {
		return err
	}
	defer instance.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := instance.CSR.Delete(ctx, args[0])
	var perr *csr.ProvisioningError
	if err != nil && !errors.As(err, &perr) {
		return err
	}

	fmt.Printf("Deleted %s\n", args[0])

	// the deletion stands even if the message bus user is left behind
	return err
}

func listCerts(cmd *cobra.Command, args []string) error {
	if err := openInstance(); err != nil {
		return err
	}
	defer instance.Close()

	records, err := instance.CertRepo.List(certLimit)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No certificates found")
		return nil
	}

	fmt.Printf("%-34s %-30s %-8s %s\n", "Serial", "Identity", "Status", "Valid To")
	fmt.Println("--------------------------------------------------------------------------------")
	for _, rec := range records {
		fmt.Printf("%-34s %-30s %-8s %s\n", rec.SerialNumber, rec.Identity, rec.Status, rec.ValidTo.Format("2006-01-02"))
	}

	return nil
}

func addUser(cmd *cobra.Command, args []string) error {
	if err := openInstance(); err != nil {
		return err
	}
	defer instance.Close()

	if err := instance.Users.AddUser(username, password, groups, overwrite); err != nil {
		return err
	}

	fmt.Printf("\nUser %s saved\n", username)
	fmt.Printf("Groups: %s\n", strings.Join(groups, ", "))

	if generateTOTP {
		secret, err := auth.GenerateTOTPSecret(username)
		if err != nil {
			return errors.Wrap(err, "failed to generate TOTP secret")
		}
		if err := instance.Users.SetTOTPSecret(username, secret); err != nil {
			return err
		}

		fmt.Printf("\nTOTP Secret: %s\n", secret)
		fmt.Printf("TOTP QR URL: %s\n", auth.GenerateQRCodeURL(secret, username, cfg.Auth.Issuer))
		fmt.Printf("\nScan the QR URL with a TOTP app (Google Authenticator, Authy, etc.)\n")
	}

	return nil
}

func listUsers(cmd *cobra.Command, args []string) error {
	if err := openInstance(); err != nil {
		return err
	}
	defer instance.Close()

	names, err := instance.Users.List()
	if err != nil {
		return errors.Wrap(err, "failed to list users")
	}

	if len(names) == 0 {
		fmt.Println("No users found")
		return nil
	}

	fmt.Printf("\nTotal users: %d\n\n", len(names))
	fmt.Printf("%-20s %-6s %s\n", "Username", "TOTP", "Groups")
	fmt.Println("--------------------------------------------------------------------------------")

	for _, name := range names {
		user, err := instance.Users.Get(name)
		if err != nil {
			return err
		}
		totpStr := "No"
		if user.TOTPSecret != "" {
			totpStr = "Yes"
		}
		fmt.Printf("%-20s %-6s %s\n", name, totpStr, strings.Join(user.Groups, ", "))
	}

	return nil
}

func deleteUser(cmd *cobra.Command, args []string) error {
	if err := openInstance(); err != nil {
		return err
	}
	defer instance.Close()

	if err := instance.Users.DeleteUser(args[0]); err != nil {
		return err
	}

	fmt.Printf("Deleted user %s\n", args[0])
	return nil
}

func rotateSecret(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	if cfg.Auth.TLSPrivateKey != "" {
		return errors.New("tokens are signed with auth.tls_private_key; replace that key to revoke tokens")
	}

	secret, err := auth.GenerateSecretKey()
	if err != nil {
		return err
	}
	cfg.Auth.SecretKey = secret

	if err := config.Save(cfg, configPath); err != nil {
		return err
	}

	fmt.Println("Web secret key rotated. Restart the server to invalidate every issued token.")
	return nil
}

func listAudit(cmd *cobra.Command, args []string) error {
	if err := openInstance(); err != nil {
		return err
	}
	defer instance.Close()

	logs, err := instance.Audit.List(auditSubject, auditAction, auditLimit)
	if err != nil {
		return err
	}

	if len(logs) == 0 {
		fmt.Println("No audit logs found")
		return nil
	}

	fmt.Printf("%-20s %-20s %-30s %-16s %-7s %s\n", "Time", "Action", "Subject", "Client IP", "Success", "Error")
	fmt.Println("--------------------------------------------------------------------------------")
	for _, entry := range logs {
		fmt.Printf("%-20s %-20s %-30s %-16s %-7t %s\n",
			entry.Timestamp.Format("2006-01-02 15:04:05"),
			entry.Action,
			entry.Subject,
			entry.ClientIP,
			entry.Success,
			entry.ErrorMsg,
		)
	}

	return nil
}

func pruneAudit(cmd *cobra.Command, args []string) error {
	age, err := config.ParseDuration(auditAge)
	if err != nil {
		return errors.Wrap(err, "invalid --older-than")
	}

	if err := openInstance(); err != nil {
		return err
	}
	defer instance.Close()

	deleted, err := instance.Audit.DeleteOld(time.Now().Add(-age))
	if err != nil {
		return err
	}

	fmt.Printf("Deleted %d audit log entries\n", deleted)
	return nil
}
