package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/livinglabs/livelab/internal/client"
	"github.com/livinglabs/livelab/internal/pkg/security"
	"github.com/livinglabs/livelab/internal/site"
	"github.com/livinglabs/livelab/internal/trec"
)

func siteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "site",
		Short: "Upload a site's queries and document lists",
	}
	cmd.PersistentFlags().String("key", "", "site API key (default from config)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "upload-queries <topics.xml>",
			Short: "Upload TREC topics as the site's queries",
			Args:  cobra.ExactArgs(1),
			RunE:  runUploadQueries,
		},
		&cobra.Command{
			Use:   "upload-run <run.txt>",
			Short: "Upload a TREC run file as per-query document lists",
			Long: `Upload every query's documents of a TREC run file as its document
list. Each listed document is first uploaded with placeholder content.`,
			Args: cobra.ExactArgs(1),
			RunE: runUploadRun,
		},
	)
	return cmd
}

func newUploader(cmd *cobra.Command) (*site.Uploader, error) {
	cfg, log, err := setup(cmd)
	if err != nil {
		return nil, err
	}

	key := cfg.API.Key
	if v, _ := cmd.Flags().GetString("key"); v != "" {
		key = v
	}
	if key == "" {
		return nil, fmt.Errorf("no site key given: use --key or LL_API_KEY")
	}

	api := client.New(client.Config{
		BaseURL:           cfg.API.BaseURL,
		Key:               key,
		Timeout:           cfg.API.Timeout,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
	})
	log.Debug("Site client configured", "api", cfg.API.BaseURL, "key", security.MaskSecret(key))
	return site.NewUploader(api, cfg.Simulator.HashIDs, log), nil
}

func runUploadQueries(cmd *cobra.Command, args []string) error {
	if err := security.ValidateInputPath(args[0]); err != nil {
		return err
	}
	u, err := newUploader(cmd)
	if err != nil {
		return err
	}

	topics, err := trec.LoadTopics(args[0])
	if err != nil {
		return err
	}
	n, err := u.UploadTopics(cmd.Context(), topics)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d queries\n", n)
	return nil
}

func runUploadRun(cmd *cobra.Command, args []string) error {
	if err := security.ValidateInputPath(args[0]); err != nil {
		return err
	}
	u, err := newUploader(cmd)
	if err != nil {
		return err
	}

	lists, err := trec.LoadRun(args[0])
	if err != nil {
		return err
	}
	res, err := u.UploadRun(cmd.Context(), lists)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d documents and %d document lists\n", res.Documents, res.Doclists)
	return nil
}
