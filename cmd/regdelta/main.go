package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"regdelta/internal/comparator"
	"regdelta/internal/config"
	"regdelta/internal/logging"
	"regdelta/internal/pipeline"
	"regdelta/internal/store"
	"regdelta/internal/types"
)

var (
	// Global flags
	cfgPath   string
	workspace string
	debug     bool

	// detect flags
	newPath    string
	newID      string
	legacyPath string
	legacyID   string
	dbPath     string
	force      bool
	guidance   string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "regdelta",
	Short: "regdelta - Regulatory Change Detection Engine",
	Long: `regdelta compares a newly ingested regulatory document against the most
recent prior version of the same regulation and produces a deduplicated,
confidence-scored inventory of substantive changes.

Input documents are structured JSON files produced by the upstream ingestion
pipeline (ordered pages with markdown content and optional block metadata).`,
}

// detectCmd runs one change detection
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect changes between a new document and its legacy version",
	Long: `Runs one change detection pass. The new document is required; the legacy
baseline is either given explicitly or looked up in the local store by
citation and country code.

Examples:
  regdelta detect --new tpd_2024.json --legacy tpd_2014.json
  regdelta detect --new tpd_2024.json --db .regdelta/regdelta.db
  regdelta detect --new tpd_2024.json --force --guidance "The per-unit change is substantive"`,
	RunE: runDetect,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", ".", "workspace directory for logs and state")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	detectCmd.Flags().StringVar(&newPath, "new", "", "path to the new structured document JSON")
	detectCmd.Flags().StringVar(&newID, "new-id", "", "regulation ID of an already-stored new document")
	detectCmd.Flags().StringVar(&legacyPath, "legacy", "", "path to the legacy structured document JSON (optional)")
	detectCmd.Flags().StringVar(&legacyID, "legacy-id", "", "regulation ID of an already-stored legacy document (optional)")
	detectCmd.Flags().StringVar(&dbPath, "db", "", "path to the SQLite database (overrides config)")
	detectCmd.Flags().BoolVar(&force, "force", false, "rerun detection even if results already exist")
	detectCmd.Flags().StringVar(&guidance, "guidance", "", "reviewer guidance text; forces a re-evaluation run")
	detectCmd.MarkFlagsOneRequired("new", "new-id")
	detectCmd.MarkFlagsMutuallyExclusive("new", "new-id")
	detectCmd.MarkFlagsMutuallyExclusive("legacy", "legacy-id")

	rootCmd.AddCommand(detectCmd)
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Store.DatabasePath = dbPath
	}
	if debug {
		cfg.Logging.Debug = true
		cfg.Logging.Level = "debug"
	}
	if cfg.Logging.Workspace == "" {
		cfg.Logging.Workspace = workspace
	}

	if err := logging.Initialize(cfg.Logging.Workspace, cfg.Logging.Debug, cfg.Logging.Level); err != nil {
		fmt.Fprintf(os.Stderr, "warning: file logging disabled: %v\n", err)
	}
	defer logging.CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLocalStore(cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	newDoc, err := resolveDocument(ctx, st, newPath, newID)
	if err != nil {
		return fmt.Errorf("load new document: %w", err)
	}
	var legacyDoc *types.StructuredDocument
	if legacyPath != "" || legacyID != "" {
		legacyDoc, err = resolveDocument(ctx, st, legacyPath, legacyID)
		if err != nil {
			return fmt.Errorf("load legacy document: %w", err)
		}
	}

	comp, err := buildComparator(cfg)
	if err != nil {
		return err
	}

	detector := pipeline.NewDetector(cfg, comp, st)
	res := detector.Run(ctx, pipeline.RunInput{
		New:      newDoc,
		Legacy:   legacyDoc,
		Force:    force,
		Guidance: guidance,
	})

	// Store the new document so future runs can find it as the legacy
	// baseline. Failure here does not invalidate the detection result.
	if res.Status == pipeline.StatusCompleted || res.Status == pipeline.StatusNewRegulation {
		if err := st.SaveRegulation(ctx, newDoc); err != nil {
			logging.Boot("failed to store new document %s: %v", newDoc.RegulationID, err)
		}
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Println(string(out))

	if res.Status == pipeline.StatusError {
		return fmt.Errorf("detection failed: %s", res.Error)
	}
	return nil
}

// buildComparator selects the comparator backend from config.
func buildComparator(cfg *config.Config) (comparator.Comparator, error) {
	c := cfg.Comparator
	switch c.Provider {
	case "openai":
		oc := comparator.DefaultOpenAIConfig(c.APIKey)
		if c.Model != "" {
			oc.Model = c.Model
		}
		if c.BaseURL != "" {
			oc.BaseURL = c.BaseURL
		}
		oc.Timeout = c.TimeoutDuration()
		return comparator.NewOpenAIClientWithConfig(oc), nil
	case "gemini", "":
		if c.APIKey == "" {
			return nil, fmt.Errorf("comparator API key not configured (set REGDELTA_API_KEY)")
		}
		return comparator.NewGeminiClient(c.APIKey, c.Model)
	default:
		return nil, fmt.Errorf("unknown comparator provider %q", c.Provider)
	}
}

// resolveDocument loads a structured document from a JSON file or, when an ID
// is given instead, from the local store.
func resolveDocument(ctx context.Context, st *store.LocalStore, path, id string) (*types.StructuredDocument, error) {
	if path != "" {
		return loadDocument(path)
	}
	return st.GetRegulation(ctx, id)
}

func loadDocument(path string) (*types.StructuredDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc types.StructuredDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.RegulationID == "" {
		return nil, fmt.Errorf("%s: missing regulation_id", path)
	}
	return &doc, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
