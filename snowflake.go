package passport

// snowflakeLen is the length of the guild ids JoinGuild accepts.
const snowflakeLen = 18

func validSnowflake(op, field, id string) error {
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return &Error{Kind: KindValidation, Op: op, Field: field, Msg: "the " + field + " param is invalid", Err: ErrNotNumeric}
		}
	}

	if len(id) != snowflakeLen {
		return &Error{Kind: KindValidation, Op: op, Field: field, Msg: "the " + field + " param is invalid", Err: ErrLength}
	}

	return nil
}
