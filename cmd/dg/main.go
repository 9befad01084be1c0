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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"datagate/internal/app"
	"datagate/internal/authtoken"
	"datagate/internal/crypto"
	"datagate/internal/db"
	"datagate/internal/server"
	datagatesdk "datagate/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "dg",
	Short: "Datagate CLI",
	Long: `Datagate is a paid data-access gateway. Providers publish assets with
encrypted location lists; consumers pay under on-chain agreements and download
through the gateway, which grants access once the reward is locked.`,
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
	viper.SetEnvPrefix("DATAGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8030", "gateway base URL")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(assetCmd())
	rootCmd.AddCommand(agreementCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(logCmd())
}

func sdkClient() *datagatesdk.Client {
	return datagatesdk.New(viper.GetString("server"))
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.Server.Listen
			}
			if basePath == "" {
				basePath = a.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{Gateway: a.Gateway, BasePath: basePath})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(a.Gateway.Events, a.Config.Webhooks, a.Log)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Datagate API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func assetCmd() *cobra.Command {
	asset := &cobra.Command{Use: "asset", Short: "Manage published assets"}
	asset.AddCommand(assetRegisterCmd())
	asset.AddCommand(assetListCmd())
	asset.AddCommand(assetShowCmd())
	asset.AddCommand(assetRetireCmd())
	return asset
}

func assetRegisterCmd() *cobra.Command {
	var id, name, keyHex string
	var price uint64
	var files []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Publish an asset with its file locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || len(files) == 0 {
				return fmt.Errorf("--id and at least one --file are required")
			}
			if keyHex == "" {
				keyHex = os.Getenv("DATAGATE_PROVIDER_KEY")
			}
			if keyHex == "" {
				return fmt.Errorf("--key or DATAGATE_PROVIDER_KEY is required to sign the asset id")
			}
			acct, err := crypto.AccountFromHex(keyHex)
			if err != nil {
				return err
			}
			sig, err := crypto.Sign(crypto.HashWithPrefix(id), acct)
			if err != nil {
				return err
			}
			descriptors := make([]datagatesdk.File, len(files))
			for i, f := range files {
				descriptors[i] = datagatesdk.File{URL: f}
			}
			a, err := sdkClient().Publish(cmd.Context(), id, name, price, descriptors,
				string(acct.Address), crypto.EncodeSignature(sig))
			if err != nil {
				return err
			}
			return printJSON(a)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "asset identifier")
	cmd.Flags().StringVar(&name, "name", "", "asset name")
	cmd.Flags().Uint64Var(&price, "price", 0, "price in tokens")
	cmd.Flags().StringVar(&keyHex, "key", "", "publisher private key (hex)")
	cmd.Flags().StringArrayVar(&files, "file", nil, "file location (repeatable)")
	return cmd
}

func assetListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List published assets",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := sdkClient().Assets(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "NAME", "TYPE", "PRICE", "FILES", "CREATED"})
			for _, a := range items {
				t.AppendRow(table.Row{a.ID, a.Name, a.ServiceType, a.Price, len(a.Files), a.CreatedAt})
			}
			t.Render()
			return nil
		},
	}
}

func assetShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <asset-id>",
		Short: "Show one asset document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := sdkClient().Asset(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(a)
		},
	}
}

func assetRetireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retire <asset-id>",
		Short: "Retire an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := sdkClient().Retire(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("retired", args[0])
			return nil
		},
	}
}

func agreementCmd() *cobra.Command {
	agr := &cobra.Command{Use: "agreement", Short: "Inspect agreements"}
	agr.AddCommand(&cobra.Command{
		Use:   "show <agreement-id>",
		Short: "Show an agreement recorded on the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := sdkClient().Agreement(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(a)
		},
	})
	return agr
}

func tokenCmd() *cobra.Command {
	var keyHex, message string
	var ttl time.Duration
	token := &cobra.Command{Use: "token", Short: "Access tokens"}
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an access token for a private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyHex == "" {
				keyHex = os.Getenv("DATAGATE_PROVIDER_KEY")
			}
			if keyHex == "" {
				return fmt.Errorf("--key or DATAGATE_PROVIDER_KEY is required")
			}
			acct, err := crypto.AccountFromHex(keyHex)
			if err != nil {
				return err
			}
			svc := authtoken.New(message, ttl)
			tok, err := svc.Issue(acct)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	issue.Flags().StringVar(&keyHex, "key", "", "hex private key")
	issue.Flags().StringVar(&message, "message", "", "token message (defaults to the canonical one)")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default 720h)")
	token.AddCommand(issue)
	return token
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Key utilities"}
	keys.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Generate a key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := crypto.NewAccount()
			if err != nil {
				return err
			}
			return printJSON(map[string]string{
				"address": string(acct.Address),
				"key":     acct.KeyHex(),
			})
		},
	})
	return keys
}

func logCmd() *cobra.Command {
	var after int64
	var limit int
	logc := &cobra.Command{Use: "log", Short: "Audit log"}
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := sdkClient().Events(cmd.Context(), after, limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "TS", "TYPE", "ASSET", "AGREEMENT", "ACTOR"})
			for _, e := range items {
				t.AppendRow(table.Row{e.ID, e.TS, e.Type, e.AssetID, e.AgreementID, e.Actor})
			}
			t.Render()
			return nil
		},
	}
	tail.Flags().Int64Var(&after, "after", 0, "only events with id greater than this")
	tail.Flags().IntVar(&limit, "limit", 50, "maximum events")
	logc.AddCommand(tail)
	return logc
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
