package main

import (
	"flag"

	"github.com/google/uuid"
)

func runDraw(args []string) error {
	fs := flag.NewFlagSet("draw", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	campaign := fs.String("campaign", "", "campaign uuid")
	drawType := fs.String("type", "single", "draw type: single or multi10")
	request := fs.String("request", "", "client request id (defaults to a fresh uuid)")
	segment := fs.String("segment", "", "tier rule segment key")
	role := fs.String("role", "", "user role for quota resolution")
	fs.Parse(args)

	if *user == "" || *campaign == "" {
		return configErrorf("draw requires -user and -campaign")
	}
	if !isUUID(*campaign) {
		return configErrorf("draw requires -campaign as a uuid")
	}
	rid := *request
	if rid == "" {
		rid = uuid.NewString()
	}

	result, err := callRPC("lottery_draw", map[string]interface{}{
		"user_id":           *user,
		"campaign_id":       *campaign,
		"draw_type":         *drawType,
		"client_request_id": rid,
		"segment":           *segment,
		"role":              *role,
	}, false)
	if err != nil {
		return err
	}
	return printResult(result)
}

func runForceOutcome(args []string) error {
	fs := flag.NewFlagSet("force-outcome", flag.ExitOnError)
	campaign := fs.String("campaign", "", "campaign uuid")
	user := fs.String("user", "", "user id the directive applies to")
	tier := fs.String("tier", "", "tier to force on the user's next draw")
	prize := fs.String("prize", "", "optional prize uuid to pin")
	note := fs.String("note", "", "audit note")
	createdBy := fs.String("created-by", "", "operator identity for the audit trail")
	fs.Parse(args)

	if *campaign == "" || *user == "" || *tier == "" {
		return configErrorf("force-outcome requires -campaign, -user, and -tier")
	}
	if !isUUID(*campaign) {
		return configErrorf("force-outcome requires -campaign as a uuid")
	}
	if *createdBy == "" {
		return configErrorf("force-outcome requires -created-by for the audit trail")
	}

	params := map[string]interface{}{
		"campaign_id": *campaign,
		"user_id":     *user,
		"tier":        *tier,
		"note":        *note,
		"created_by":  *createdBy,
	}
	if *prize != "" {
		if !isUUID(*prize) {
			return configErrorf("-prize must be a uuid")
		}
		params["prize_id"] = *prize
	}
	result, err := callRPC("admin_forceOutcome", params, true)
	if err != nil {
		return err
	}
	return printResult(result)
}

func runMetrics(args []string) error {
	if len(args) < 1 {
		return configErrorf("metrics requires a subcommand: export, hourly")
	}
	switch args[0] {
	case "export":
		return metricsExport(args[1:])
	case "hourly":
		return metricsHourly(args[1:])
	default:
		return configErrorf("unknown metrics subcommand %q", args[0])
	}
}

func metricsExport(args []string) error {
	fs := flag.NewFlagSet("metrics export", flag.ExitOnError)
	day := fs.String("day", "", "business day to export, YYYYMMDD")
	fs.Parse(args)

	if len(*day) != 8 {
		return configErrorf("metrics export requires -day as YYYYMMDD")
	}
	result, err := callRPC("metrics_export", map[string]interface{}{"day": *day}, true)
	if err != nil {
		return err
	}
	return printResult(result)
}

func metricsHourly(args []string) error {
	fs := flag.NewFlagSet("metrics hourly", flag.ExitOnError)
	campaign := fs.String("campaign", "", "campaign code or uuid")
	from := fs.String("from", "", "first hour bucket, YYYYMMDDHH")
	until := fs.String("until", "", "last hour bucket, YYYYMMDDHH")
	fs.Parse(args)

	if *campaign == "" || len(*from) != 10 || len(*until) != 10 {
		return configErrorf("metrics hourly requires -campaign, -from, and -until (YYYYMMDDHH)")
	}
	params := campaignRef(*campaign)
	params["from_hour"] = *from
	params["until_hour"] = *until
	result, err := callRPC("metrics_hourly", params, true)
	if err != nil {
		return err
	}
	return printResult(result)
}
