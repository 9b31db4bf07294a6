package caldav

// redactURL hides sensitive parts of a URL for logging purposes.
//
//	https://user:pw@dav.example.com/calendars/me/home/?token=abcd
//	-> https://dav.example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "caldav://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' && u[j] != '?' {
		j++
	}

	host := u[i:j]
	for k := len(host) - 1; k >= 0; k-- {
		if host[k] == '@' {
			host = host[k+1:]
			break
		}
	}
	return u[:i] + host + redactedSuffix
}
