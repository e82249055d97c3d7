package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-replicate-studio/internal/helpers"
	"go-replicate-studio/internal/models"
	"go-replicate-studio/internal/poller"
	"go-replicate-studio/internal/provider"
	"go-replicate-studio/internal/studio"
)

var generateCmd = &cobra.Command{
	Use:   "generate [prompt]",
	Short: "Generate images from a prompt",
	Long: `Submits a generation job for the chosen model, shows its progress and stores
the outputs locally. Press Ctrl+C to cancel the job on Replicate.`,
	Example: `  replicate-studio generate -m dev "a lighthouse at dusk, film grain"
  replicate-studio generate -m sdxl --aspect 3:2 --seed 42 -p "harbour at night"
  replicate-studio generate -m dev --source ./sketch.png --prompt-strength 0.6 "watercolor"`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringP("model", "m", "flux-dev", "Model to use ("+strings.Join(provider.DefaultRegistry().IDs(), ", ")+")")
	generateCmd.Flags().StringP("prompt", "p", "", "Prompt text (alternatively pass it as arguments)")
	generateCmd.Flags().String("negative", "", "Negative prompt (models that support it)")
	generateCmd.Flags().StringP("aspect", "a", "1:1", "Aspect ratio, e.g. 16:9")
	generateCmd.Flags().Int("width", 0, "Custom width; used together with --height")
	generateCmd.Flags().Int("height", 0, "Custom height; used together with --width")
	generateCmd.Flags().Int64("seed", 0, "Seed for reproducible output (0 lets the model pick)")
	generateCmd.Flags().IntP("num-outputs", "n", 1, "Number of images to generate")
	generateCmd.Flags().Int("steps", 0, "Inference steps (0 uses the model default)")
	generateCmd.Flags().Float64("guidance", 0, "Guidance scale (0 uses the model default)")
	generateCmd.Flags().String("scheduler", "", "Scheduler name (SDXL)")
	generateCmd.Flags().String("output-format", "", "Output format (webp, jpg, png)")
	generateCmd.Flags().Int("output-quality", 0, "Output quality 1-100")
	generateCmd.Flags().Float64("prompt-strength", 0, "Strength of the source image for image-to-image")
	generateCmd.Flags().String("source", "", "Source image for image-to-image (file path, URL or data URI)")
	generateCmd.Flags().String("mask", "", "Inpainting mask (file path, URL or data URI)")
	generateCmd.Flags().Bool("save", false, "Also save the outputs under [SavePath]/outputs")
	generateCmd.Flags().Bool("show-config", false, "Print the effective config and submission body, then exit")

	viper.BindPFlag("generate.model", generateCmd.Flags().Lookup("model"))
	viper.BindPFlag("generate.prompt", generateCmd.Flags().Lookup("prompt"))
	viper.BindPFlag("generate.negative", generateCmd.Flags().Lookup("negative"))
	viper.BindPFlag("generate.aspect", generateCmd.Flags().Lookup("aspect"))
	viper.BindPFlag("generate.width", generateCmd.Flags().Lookup("width"))
	viper.BindPFlag("generate.height", generateCmd.Flags().Lookup("height"))
	viper.BindPFlag("generate.seed", generateCmd.Flags().Lookup("seed"))
	viper.BindPFlag("generate.num_outputs", generateCmd.Flags().Lookup("num-outputs"))
	viper.BindPFlag("generate.steps", generateCmd.Flags().Lookup("steps"))
	viper.BindPFlag("generate.guidance", generateCmd.Flags().Lookup("guidance"))
	viper.BindPFlag("generate.scheduler", generateCmd.Flags().Lookup("scheduler"))
	viper.BindPFlag("generate.output_format", generateCmd.Flags().Lookup("output-format"))
	viper.BindPFlag("generate.output_quality", generateCmd.Flags().Lookup("output-quality"))
	viper.BindPFlag("generate.prompt_strength", generateCmd.Flags().Lookup("prompt-strength"))
	viper.BindPFlag("generate.source", generateCmd.Flags().Lookup("source"))
	viper.BindPFlag("generate.mask", generateCmd.Flags().Lookup("mask"))
	viper.BindPFlag("generate.save", generateCmd.Flags().Lookup("save"))
	viper.BindPFlag("generate.show_config", generateCmd.Flags().Lookup("show-config"))
}

// requestFromFlags builds the generation request from flags and arguments.
func requestFromFlags(args []string) (models.GenerationRequest, error) {
	prompt := viper.GetString("generate.prompt")
	if prompt == "" {
		prompt = strings.Join(args, " ")
	}
	req := models.GenerationRequest{
		Model:          viper.GetString("generate.model"),
		Prompt:         strings.TrimSpace(prompt),
		NegativePrompt: viper.GetString("generate.negative"),
		AspectRatio:    viper.GetString("generate.aspect"),
		Seed:           viper.GetInt64("generate.seed"),
		NumOutputs:     viper.GetInt("generate.num_outputs"),
		Steps:          viper.GetInt("generate.steps"),
		Guidance:       viper.GetFloat64("generate.guidance"),
		Scheduler:      viper.GetString("generate.scheduler"),
		OutputFormat:   viper.GetString("generate.output_format"),
		OutputQuality:  viper.GetInt("generate.output_quality"),
		PromptStrength: viper.GetFloat64("generate.prompt_strength"),
	}

	width, height := viper.GetInt("generate.width"), viper.GetInt("generate.height")
	if width > 0 || height > 0 {
		if width <= 0 || height <= 0 {
			return req, errors.New("--width and --height must be given together")
		}
		req.CustomAspect = true
		req.Width = width
		req.Height = height
	}

	var err error
	if req.SourceImage, err = referenceImage(viper.GetString("generate.source")); err != nil {
		return req, fmt.Errorf("source image: %w", err)
	}
	if req.MaskImage, err = referenceImage(viper.GetString("generate.mask")); err != nil {
		return req, fmt.Errorf("mask image: %w", err)
	}
	return req, nil
}

// referenceImage turns a local file into a data URI. URLs and data URIs pass through.
func referenceImage(ref string) (string, error) {
	if ref == "" || strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", err
	}
	return helpers.EncodeDataURI(data, http.DetectContentType(data)), nil
}

// printShowConfig prints the effective settings in the sections the
// integration tests parse.
func printShowConfig(req models.GenerationRequest) error {
	shown := globalConfig
	if shown.ApiKey != "" {
		shown.ApiKey = "(set)"
	}
	cfgJSON, _ := json.MarshalIndent(shown, "", "  ")
	fmt.Println("--- Global Config Settings ---")
	fmt.Println(string(cfgJSON))

	strategy, body, err := provider.DefaultRegistry().Build(req)
	if err != nil {
		return err
	}
	bodyJSON, _ := json.MarshalIndent(body, "", "  ")
	fmt.Printf("--- Submission Body (%s) ---\n", strategy.ID())
	fmt.Println(string(bodyJSON))
	return nil
}

// progressPrinter renders job updates on one refreshing terminal line.
type progressPrinter struct {
	writer *uilive.Writer
}

func newProgressPrinter() *progressPrinter {
	w := uilive.New()
	w.Out = os.Stderr
	w.RefreshInterval = 100 * time.Millisecond
	w.Start()
	return &progressPrinter{writer: w}
}

func (p *progressPrinter) Update(u studio.Update) {
	fmt.Fprintf(p.writer, "[%s] %s (%s)\n", u.Phase, u.PredictionID, u.Elapsed.Round(100*time.Millisecond))
}

func (p *progressPrinter) Stop() {
	p.writer.Stop()
}

func runGenerate(cmd *cobra.Command, args []string) error {
	req, err := requestFromFlags(args)
	if err != nil {
		return err
	}
	if viper.GetBool("generate.show_config") {
		return printShowConfig(req)
	}

	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	runner, cleanup, err := newRunner(ctx, env)
	if err != nil {
		return err
	}
	defer cleanup()

	jobCtx, stopSignals := interruptContext(ctx, runner)
	defer stopSignals()

	progress := newProgressPrinter()
	job, err := runner.Generate(jobCtx, req, progress.Update)
	if err != nil {
		progress.Stop()
		return submitErr(err)
	}
	res := job.Wait()
	stopSignals()
	progress.Stop()

	if errors.Is(res.Err, poller.ErrCanceled) {
		fmt.Printf("Job %s cancelled.\n", job.PredictionID)
		return nil
	}
	// Records stored before a persistence error are still shown.
	printImages(res.Images)
	if err := resultErr(res); err != nil {
		return err
	}

	if viper.GetBool("generate.save") {
		dir := globalConfig.SavePath + "/outputs"
		for _, img := range res.Images {
			path, err := saveImage(ctx, img, dir)
			if err != nil {
				log.WithError(err).Errorf("Failed to save image %s", img.ID)
				continue
			}
			fmt.Printf("Saved %s\n", path)
		}
	}
	return nil
}

// printImages prints one line per image.
func printImages(images []models.GeneratedImage) {
	for _, img := range images {
		location := img.URL
		if location == "" {
			location = "(embedded)"
		}
		fmt.Printf("%s\t%s\tseed=%d\t%s\n", img.ID, img.Model, img.Seed, location)
	}
}
