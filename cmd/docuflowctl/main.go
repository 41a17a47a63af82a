// docuflowctl is the OcrQueue/DocumentService admin CLI (spec §6.2's
// "OcrQueue admin": enqueue, cancel, getJob, listJobs), plus basic
// document upload/get for operator use. Grounded on the teacher's
// cobra command tree in cmd/warren (one root command, subcommands per
// resource, flags parsed per-RunE rather than via a struct binding).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/adverant/docuflow/internal/capability"
	"github.com/adverant/docuflow/internal/config"
	"github.com/adverant/docuflow/internal/core"
	"github.com/adverant/docuflow/internal/document"
	"github.com/adverant/docuflow/internal/metastore"
	"github.com/adverant/docuflow/internal/model"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "docuflowctl",
	Short: "Administer docuflow's OcrJob queue and Document store",
}

func init() {
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(docCmd)

	jobCmd.AddCommand(jobEnqueueCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobListCmd)

	jobEnqueueCmd.Flags().Int("priority", 5, "Scheduling priority, 1 (highest) - 10 (lowest)")
	jobEnqueueCmd.Flags().String("language", "auto", "OCR language hint")

	jobListCmd.Flags().String("status", "", "Filter by status (pending|processing|completed|failed|cancelled)")
	jobListCmd.Flags().String("document-id", "", "Filter by document id")
	jobListCmd.Flags().Int("limit", 20, "Page size")
	jobListCmd.Flags().String("cursor", "", "Opaque page cursor")

	docCmd.AddCommand(docGetCmd)
	docCmd.AddCommand(docUploadCmd)

	docUploadCmd.Flags().String("owner", "", "Owner id (required)")
	docUploadCmd.Flags().String("mime-type", "", "Declared MIME type")
	docUploadCmd.Flags().Bool("auto-ocr", false, "Enqueue an OcrJob immediately after upload")
	docUploadCmd.Flags().Int("priority", 5, "OcrJob priority when --auto-ocr is set")
	docUploadCmd.MarkFlagRequired("owner")

	docGetCmd.Flags().String("as", "admin", "Principal user id performing the read")
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "OcrJob admin operations (spec OcrQueue admin surface)",
}

var jobEnqueueCmd = &cobra.Command{
	Use:   "enqueue DOCUMENT_ID",
	Short: "Enqueue an OcrJob for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")
		language, _ := cmd.Flags().GetString("language")

		return withCore(func(ctx context.Context, c *core.Core) error {
			job, err := c.Queue.Enqueue(ctx, args[0], priority, language, nil)
			if err != nil {
				return err
			}
			return printJSON(job)
		})
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Cancel a pending or processing OcrJob",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, c *core.Core) error {
			if err := c.Queue.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("job cancelled: %s\n", args[0])
			return nil
		})
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get JOB_ID",
	Short: "Show an OcrJob's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, c *core.Core) error {
			job, err := c.Queue.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(job)
		})
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List OcrJobs, optionally filtered by status or document",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		documentID, _ := cmd.Flags().GetString("document-id")
		limit, _ := cmd.Flags().GetInt("limit")
		cursor, _ := cmd.Flags().GetString("cursor")

		return withCore(func(ctx context.Context, c *core.Core) error {
			page, err := c.Queue.ListJobs(ctx, metastore.JobFilter{
				Status:     model.OcrJobStatus(status),
				DocumentID: documentID,
				Limit:      limit,
				Cursor:     cursor,
			})
			if err != nil {
				return err
			}
			return printJSON(page)
		})
	},
}

var docCmd = &cobra.Command{
	Use:   "document",
	Short: "DocumentService operations",
}

var docGetCmd = &cobra.Command{
	Use:   "get DOCUMENT_ID",
	Short: "Fetch a document's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		as, _ := cmd.Flags().GetString("as")
		return withCore(func(ctx context.Context, c *core.Core) error {
			doc, err := c.Documents.Get(ctx, args[0], capability.Principal{UserID: as, Role: "admin"})
			if err != nil {
				return err
			}
			return printJSON(doc)
		})
	},
}

var docUploadCmd = &cobra.Command{
	Use:   "upload FILE_PATH",
	Short: "Upload a file as a new Document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		mimeType, _ := cmd.Flags().GetString("mime-type")
		autoOCR, _ := cmd.Flags().GetBool("auto-ocr")
		priority, _ := cmd.Flags().GetInt("priority")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}

		return withCore(func(ctx context.Context, c *core.Core) error {
			doc, err := c.Documents.Upload(ctx, owner, args[0], data, mimeType, document.UploadOptions{
				AutoOCR:  autoOCR,
				Priority: priority,
			})
			if err != nil {
				return err
			}
			return printJSON(doc)
		})
	},
}

// withCore loads configuration, builds a Core, and runs fn against it,
// closing the Core afterward regardless of outcome.
func withCore(fn func(ctx context.Context, c *core.Core) error) error {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	c, err := core.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init core: %w", err)
	}
	defer c.Close()
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
