package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/julienar/ixcharged/internal/ixapi"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	current      float64
	apiAddr      string
	apiUser      string
	apiPassword  string
	outputFormat string
)

const defaultAPIAddr = "http://localhost:8080"

const (
	pointChargingEnable = "switch.charging_enable"
	pointSinglePhase    = "switch.single_phase"
	pointTargetCurrent  = "number.target_current"
	pointMaxCurrent     = "number.maximum_current"
)

// API response types
type apiPointResponse struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Platform   string         `json:"platform" yaml:"platform"`
	Unit       string         `json:"unit,omitempty" yaml:"unit,omitempty"`
	Writable   bool           `json:"writable" yaml:"writable"`
	Available  bool           `json:"available" yaml:"available"`
	Value      any            `json:"value" yaml:"value"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

type apiDeviceResponse struct {
	SerialNumber        string    `json:"serial_number" yaml:"serial_number"`
	Name                string    `json:"name" yaml:"name"`
	Model               string    `json:"model" yaml:"model"`
	CableType           string    `json:"cable_type" yaml:"cable_type"`
	LastUpdateSucceeded bool      `json:"last_update_succeeded" yaml:"last_update_succeeded"`
	LastUpdate          time.Time `json:"last_update" yaml:"last_update"`
}

type apiSuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error string `json:"error"`
}

type statusOutput struct {
	Device apiDeviceResponse  `json:"device" yaml:"device"`
	Points []apiPointResponse `json:"points" yaml:"points"`
}

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Control charger operations",
	Long:  `Send control commands to the running service through its HTTP API.`,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Get charger status",
	Long:  `Display the current value of every charger point.`,
	Args:  cobra.NoArgs,
	RunE:  getStatus,
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable charging",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writePoint(pointChargingEnable, ixapi.BoolValue(true))
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable charging",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writePoint(pointChargingEnable, ixapi.BoolValue(false))
	},
}

var singlePhaseCmd = &cobra.Command{
	Use:       "single-phase on|off",
	Short:     "Switch single phase charging mode",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return writePoint(pointSinglePhase, ixapi.ParseValue(args[0]))
	},
}

var setCurrentCmd = &cobra.Command{
	Use:   "set-current",
	Short: "Set target charging current",
	Long:  `Set the target charging current in Amperes. Values above the cable or maximum current are clamped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writePoint(pointTargetCurrent, ixapi.NumberValue(current))
	},
}

var setMaxCurrentCmd = &cobra.Command{
	Use:   "set-max-current",
	Short: "Set maximum charging current",
	Long:  `Set the maximum charging current in Amperes. Values above the cable capability are clamped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writePoint(pointMaxCurrent, ixapi.NumberValue(current))
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force an immediate refresh",
	Args:  cobra.NoArgs,
	RunE:  refreshNow,
}

func init() {
	rootCmd.AddCommand(controlCmd)

	controlCmd.AddCommand(statusCmd)
	controlCmd.AddCommand(enableCmd)
	controlCmd.AddCommand(disableCmd)
	controlCmd.AddCommand(singlePhaseCmd)
	controlCmd.AddCommand(setCurrentCmd)
	controlCmd.AddCommand(setMaxCurrentCmd)
	controlCmd.AddCommand(refreshCmd)

	// Add global API address flag
	controlCmd.PersistentFlags().StringVar(&apiAddr, "api", defaultAPIAddr, "API server address")
	controlCmd.PersistentFlags().StringVar(&apiUser, "user", "", "API basic auth username")
	controlCmd.PersistentFlags().StringVar(&apiPassword, "password", "", "API basic auth password")

	// Add flags
	statusCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")

	setCurrentCmd.Flags().Float64VarP(&current, "current", "a", 0, "current in Amperes (required)")
	setCurrentCmd.MarkFlagRequired("current")

	setMaxCurrentCmd.Flags().Float64VarP(&current, "current", "a", 0, "current in Amperes (required)")
	setMaxCurrentCmd.MarkFlagRequired("current")
}

// apiRequest calls the local API and decodes a successful response into out
func apiRequest(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, strings.TrimRight(apiAddr, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiUser != "" || apiPassword != "" {
		req.SetBasicAuth(apiUser, apiPassword)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to API server: %w\nMake sure the service is running with: ixcharged run", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp apiErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("API error: %s", errResp.Error)
		}
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func getStatus(cmd *cobra.Command, args []string) error {
	var status statusOutput
	if err := apiRequest(http.MethodGet, "/api/device", nil, &status.Device); err != nil {
		return err
	}
	if err := apiRequest(http.MethodGet, "/api/points", nil, &status.Points); err != nil {
		return err
	}

	return printStatus(cmd.OutOrStdout(), status, outputFormat)
}

func printStatus(out io.Writer, status statusOutput, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(status)
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	online := "Yes"
	if !status.Device.LastUpdateSucceeded {
		online = "No"
	}
	fmt.Fprintf(out, "%s (%s), cable %s, online: %s\n\n",
		status.Device.Name, status.Device.SerialNumber, status.Device.CableType, online)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POINT\tNAME\tVALUE\tWRITABLE")
	fmt.Fprintln(w, "-----\t----\t-----\t--------")
	for _, p := range status.Points {
		printPointStatus(w, p)
	}
	return w.Flush()
}

func printPointStatus(w *tabwriter.Writer, p apiPointResponse) {
	value := "unavailable"
	if p.Available {
		value = fmt.Sprintf("%v", p.Value)
		if p.Unit != "" {
			value += " " + p.Unit
		}
	}

	writable := "-"
	if p.Writable {
		writable = "yes"
	}

	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, value, writable)
}

func writePoint(id string, value ixapi.Value) error {
	var successResp apiSuccessResponse
	if err := apiRequest(http.MethodPut, "/api/points/"+id, map[string]ixapi.Value{"value": value}, &successResp); err != nil {
		return err
	}

	fmt.Printf("✓ %s\n", successResp.Message)
	return nil
}

func refreshNow(cmd *cobra.Command, args []string) error {
	var device apiDeviceResponse
	if err := apiRequest(http.MethodPost, "/api/refresh", nil, &device); err != nil {
		return err
	}

	fmt.Printf("✓ Refreshed %s at %s\n", device.SerialNumber, device.LastUpdate.Format(time.RFC3339))
	return nil
}
