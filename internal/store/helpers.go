package store

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
