package cmd

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/manifoldco/promptui"
)

func promptDefaultStr(label string, def string, validateFunc promptui.ValidateFunc) string {
	prompt := promptui.Prompt{
		Label:     label,
		Default:   def,
		AllowEdit: true,
		Validate:  validateFunc,
	}
	val, err := prompt.Run()
	if err != nil {
		panic(err)
	}
	return val
}

func promptYN(prefix string, def bool) bool {
	items := []string{"Yes", "No"}
	if !def {
		items = []string{"No", "Yes"}
	}
	choose := promptui.Select{
		Label: prefix,
		Items: items,
		Size:  2,
	}
	_, val, err := choose.Run()
	if err != nil {
		panic(err)
	}
	return val == "Yes"
}

func promptPrefixes(label string) []netip.Prefix {
	raw := promptDefaultStr(label, "", func(s string) error {
		if strings.TrimSpace(s) == "" {
			return nil
		}
		for _, part := range strings.Split(s, ",") {
			if _, err := netip.ParsePrefix(strings.TrimSpace(part)); err != nil {
				return fmt.Errorf("bad prefix %q: %w", part, err)
			}
		}
		return nil
	})
	var out []netip.Prefix
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, _ := netip.ParsePrefix(part)
		out = append(out, p)
	}
	return out
}
