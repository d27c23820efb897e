package main

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sectra-medical/dpat-slideget/slideget"
	"github.com/sectra-medical/dpat-slideget/slideget/logger"
)

var (
	cfgFile    string
	noProgress bool
)

func main() {
	cobra.OnInitialize(initConfig)

	rootCmd := &cobra.Command{
		Use:   "slideget",
		Short: "Fetch regions of DPAT slide image pyramids",
		Long: `slideget downloads tiles from the Sectra DPAT image analysis API and
reassembles them into images. The server URL and bearer token come from
flags, SLIDEGET_* environment variables, or ~/.slideget.yaml.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.slideget.yaml)")
	rootCmd.PersistentFlags().String("url", "", "IA-API base URL, e.g. https://host/SectraPathologyServer/external/imageanalysis/v1")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the IA-API")
	rootCmd.PersistentFlags().String("api-version", slideget.DefaultAPIVersion, "X-Sectra-ApiVersion request header")
	rootCmd.PersistentFlags().Bool("insecure", false, "skip TLS certificate verification")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	viper.BindPFlag("api-version", rootCmd.PersistentFlags().Lookup("api-version"))
	viper.BindPFlag("insecure", rootCmd.PersistentFlags().Lookup("insecure"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	infoCmd := &cobra.Command{
		Use:   "info <SLIDE_ID>",
		Short: "Print slide metadata and the pyramid level table",
		Args:  cobra.ExactArgs(1),
		Run:   runInfo,
	}

	thumbnailCmd := &cobra.Command{
		Use:   "thumbnail <SLIDE_ID> <OUTPUT>",
		Short: "Download a whole-slide thumbnail at a target resolution",
		Args:  cobra.ExactArgs(2),
		Run:   runThumbnail,
	}
	thumbnailCmd.Flags().Float64("mpp", 64.0, "target resolution in microns per pixel")
	thumbnailCmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable progress bar")
	viper.BindPFlag("mpp", thumbnailCmd.Flags().Lookup("mpp"))

	regionCmd := &cobra.Command{
		Use:   "region <SLIDE_ID> <OUTPUT>",
		Short: "Download a pixel region of the slide",
		Args:  cobra.ExactArgs(2),
		Run:   runRegion,
	}
	regionCmd.Flags().Int("level", -1, "pyramid level (default: chosen from --width)")
	regionCmd.Flags().Int("width", 0, "approximate level width in pixels, used when --level is unset")
	regionCmd.Flags().Int("x", 0, "region left edge in level pixels")
	regionCmd.Flags().Int("y", 0, "region top edge in level pixels")
	regionCmd.Flags().Int("w", 0, "region width in level pixels (default: to the right edge)")
	regionCmd.Flags().Int("h", 0, "region height in level pixels (default: to the bottom edge)")
	regionCmd.Flags().Int("concurrency", 0, "parallel tile requests")
	regionCmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable progress bar")

	tileCmd := &cobra.Command{
		Use:   "tile <SLIDE_ID> <LEVEL> <COL> <ROW> <OUTPUT>",
		Short: "Download a single raw tile payload",
		Args:  cobra.ExactArgs(5),
		Run:   runTile,
	}

	rootCmd.AddCommand(infoCmd, thumbnailCmd, regionCmd, tileCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initConfig reads in config file and SLIDEGET_* environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".slideget")
	}

	viper.SetEnvPrefix("slideget")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if viper.GetBool("verbose") {
		logger.SetLogLevel(logger.LogLevelDebug)
	}
}

func newClient() *slideget.HTTPSlideClient {
	url := viper.GetString("url")
	if url == "" {
		fmt.Fprintln(os.Stderr, "Error: no server URL configured (use --url or SLIDEGET_URL)")
		os.Exit(1)
	}
	client := slideget.NewSlideClient(url, viper.GetString("token")).
		WithAPIVersion(viper.GetString("api-version"))
	if viper.GetBool("insecure") {
		client = client.WithInsecureTLS()
	}
	return client
}

func runInfo(cmd *cobra.Command, args []string) {
	slideID := args[0]

	client := newClient()
	info, err := client.SlideInfo(context.Background(), slideID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	desc, err := info.DziDescription()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Slide %s:\n", slideID)
	fmt.Printf("  image size:  %dx%d\n", info.ImageSize.Width, info.ImageSize.Height)
	fmt.Printf("  tile size:   %d\n", info.TileSize.Width)
	if info.MicronsPerPixel > 0 {
		fmt.Printf("  resolution:  %g mpp\n", info.MicronsPerPixel)
	}
	if info.Magnification > 0 {
		fmt.Printf("  magnification: %gx\n", info.Magnification)
	}
	fmt.Printf("  base level:  %d\n", desc.BaseLevel())
	fmt.Println("Levels:")
	for _, lvl := range desc.Levels() {
		fmt.Printf("  %s\n", lvl)
	}
}

func runThumbnail(cmd *cobra.Command, args []string) {
	slideID := args[0]
	outputPath := args[1]

	fetcher := slideget.NewRegionFetcher(newClient(), 0)
	img, err := fetcher.FetchThumbnail(context.Background(), slideID, viper.GetFloat64("mpp"), tileProgress("Downloading thumbnail tiles"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := writeImage(outputPath, img); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%dx%d)\n", outputPath, img.Bounds().Dx(), img.Bounds().Dy())
}

func runRegion(cmd *cobra.Command, args []string) {
	slideID := args[0]
	outputPath := args[1]

	client := newClient()
	info, err := client.SlideInfo(context.Background(), slideID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	desc, err := info.DziDescription()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	levelNum, _ := cmd.Flags().GetInt("level")
	var lvl slideget.DziLevel
	if levelNum >= 0 {
		lvl, err = desc.Level(levelNum)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else {
		approxWidth, _ := cmd.Flags().GetInt("width")
		if approxWidth <= 0 {
			fmt.Fprintln(os.Stderr, "Error: either --level or --width is required")
			os.Exit(1)
		}
		lvl = desc.LevelApproxWidth(approxWidth)
	}

	x, _ := cmd.Flags().GetInt("x")
	y, _ := cmd.Flags().GetInt("y")
	w, _ := cmd.Flags().GetInt("w")
	h, _ := cmd.Flags().GetInt("h")
	if w <= 0 {
		w = lvl.Width() - x
	}
	if h <= 0 {
		h = lvl.Height() - y
	}

	concurrency, _ := cmd.Flags().GetInt("concurrency")
	fetcher := slideget.NewRegionFetcher(client, concurrency)
	img, err := fetcher.FetchRegion(context.Background(), slideID, lvl, x, y, w, h, tileProgress("Downloading tiles"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := writeImage(outputPath, img); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%dx%d, level %d)\n", outputPath, img.Bounds().Dx(), img.Bounds().Dy(), lvl.Number)
}

func runTile(cmd *cobra.Command, args []string) {
	slideID := args[0]
	outputPath := args[4]

	var level, col, row int
	for i, dst := range []*int{&level, &col, &row} {
		if _, err := fmt.Sscanf(args[i+1], "%d", dst); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid number %q\n", args[i+1])
			os.Exit(1)
		}
	}

	client := newClient()
	info, err := client.SlideInfo(context.Background(), slideID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	desc, err := info.DziDescription()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	lvl, err := desc.Level(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	tile, err := lvl.Tile(col, row)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	payload, err := client.FetchTile(context.Background(), slideID, tile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(outputPath, payload, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%d bytes)\n", outputPath, len(payload))
}

// tileProgress returns a tile-count progress callback, or nil when progress
// display is disabled.
func tileProgress(description string) slideget.ProgressCallback {
	if noProgress {
		return nil
	}
	var bar *progressbar.ProgressBar
	return func(done, total int64) {
		if bar == nil {
			bar = progressbar.Default(total, description)
		}
		bar.Set64(done)
	}
}

// writeImage encodes img to path, picking the format from the extension.
func writeImage(path string, img image.Image) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return jpeg.Encode(out, img, &jpeg.Options{Quality: 90})
	case ".png", "":
		return png.Encode(out, img)
	default:
		return fmt.Errorf("unsupported output format: %s", path)
	}
}
